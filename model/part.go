package model

import (
	"strings"
	"time"
)

// ImageRef is an image handed to or produced by a model. Data holds the raw
// bytes; on the JSON wire it travels base64 encoded. Data may be shared
// between requests, so generators must not modify it in place.
type ImageRef struct {
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

// PartKind tags the content of a Part.
type PartKind string

const (
	PartText    PartKind = "text"
	PartImage   PartKind = "image"
	PartThought PartKind = "thought"
)

// Part is one fragment of a model response. Thought parts carry the model's
// visible reasoning and may hold text, an image, or both.
type Part struct {
	Kind  PartKind  `json:"kind"`
	Text  string    `json:"text,omitempty"`
	Image *ImageRef `json:"image,omitempty"`
}

func TextPart(text string) Part { return Part{Kind: PartText, Text: text} }

func ImagePart(mimeType string, data []byte) Part {
	return Part{Kind: PartImage, Image: &ImageRef{MIMEType: mimeType, Data: data}}
}

func ThoughtPart(text string) Part { return Part{Kind: PartThought, Text: text} }

// Result is the outcome of one generation call.
type Result struct {
	Parts       []Part `json:"parts"`
	ThoughtOnly bool   `json:"thought_only"`

	// Thinking is the wall-clock length of the thinking phase. When
	// ThinkingApproximate is set the value is the total call duration,
	// because a non-streaming response gives no arrival time per part.
	Thinking            time.Duration `json:"thinking,omitempty"`
	ThinkingApproximate bool          `json:"thinking_approximate,omitempty"`
}

// NewResult wraps parts and derives ThoughtOnly.
func NewResult(parts []Part) *Result {
	return &Result{Parts: parts, ThoughtOnly: thoughtOnly(parts)}
}

func thoughtOnly(parts []Part) bool {
	if len(parts) == 0 {
		return false
	}
	for _, p := range parts {
		if p.Kind != PartThought {
			return false
		}
	}
	return true
}

// Images returns the non-thought image parts in order.
func (r *Result) Images() []ImageRef {
	if r == nil {
		return nil
	}
	var images []ImageRef
	for _, p := range r.Parts {
		if p.Kind == PartImage && p.Image != nil {
			images = append(images, *p.Image)
		}
	}
	return images
}

// Text joins the non-thought text parts.
func (r *Result) Text() string {
	if r == nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range r.Parts {
		if p.Kind == PartText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// HasThoughts reports whether any part is a thought.
func (r *Result) HasThoughts() bool {
	if r == nil {
		return false
	}
	for _, p := range r.Parts {
		if p.Kind == PartThought {
			return true
		}
	}
	return false
}
