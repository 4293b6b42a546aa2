package model

// FileAttachment is a file sent alongside a human message. Data is the raw
// content encoded as base64 text; it is never mutated after the message is
// accepted. Annotation holds locally derived context (PDF excerpt, image
// labels) that travels with the attachment to the agent endpoint.
type FileAttachment struct {
	Name       string `json:"name"`
	MimeType   string `json:"mime_type"`
	Data       string `json:"data"`
	Annotation string `json:"annotation,omitempty"`
}
