package core

// PartType discriminates multimodal content segments.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
	PartFile  PartType = "file"
)

// Part is a segment of multimodal user content. Image and file parts either
// inline Data or point at an Attachment / URI.
type Part struct {
	Type         PartType `json:"type"`
	Text         string   `json:"text,omitempty"`
	MimeType     string   `json:"mime_type,omitempty"`
	URI          string   `json:"uri,omitempty"`
	AttachmentID string   `json:"attachment_id,omitempty"`
	Data         []byte   `json:"data,omitempty"`
}

// TextPart is shorthand for a text segment.
func TextPart(text string) Part { return Part{Type: PartText, Text: text} }

// ImagePart references an image by URI.
func ImagePart(uri, mimeType string) Part {
	return Part{Type: PartImage, URI: uri, MimeType: mimeType}
}

// Attachment is an opaque file handed to the model. Bytes live in a FileStore;
// Data is only populated transiently before offloading or after resolution.
type Attachment struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
	Data     []byte `json:"data,omitempty"`
}

// Stored reports whether the attachment bytes live in a FileStore.
func (a Attachment) Stored() bool { return a.ID != "" && len(a.Data) == 0 }
