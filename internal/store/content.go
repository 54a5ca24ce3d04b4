// ABOUTME: Polymorphic message content modelled as a tagged union over MessageType
// ABOUTME: Provides Decode/Encode with exhaustive per-type validation

package store

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Content is the decoded payload of a message. Each message type has exactly
// one concrete content shape.
type Content interface {
	MessageType() MessageType
	// Validate checks required fields for the shape
	Validate() error
}

// TextContent carries plain or rich text
type TextContent struct {
	Text string `json:"text"`
}

// ImageContent describes an uploaded image
type ImageContent struct {
	URL    string `json:"url"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
	Size   int64  `json:"size,omitempty"`
}

// AudioContent describes a voice clip
type AudioContent struct {
	URL      string `json:"url"`
	Duration int    `json:"duration,omitempty"` // seconds
	Size     int64  `json:"size,omitempty"`
}

// VideoContent describes a video with optional cover frame
type VideoContent struct {
	URL      string `json:"url"`
	Cover    string `json:"cover,omitempty"`
	Duration int    `json:"duration,omitempty"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// FileContent describes a generic file attachment
type FileContent struct {
	URL  string `json:"url"`
	Name string `json:"name"`
	Size int64  `json:"size,omitempty"`
}

// LocationContent is a geographic pin
type LocationContent struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Address   string  `json:"address,omitempty"`
}

// CardContent is a shared contact card
type CardContent struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// MusicContent is a shared track
type MusicContent struct {
	URL    string `json:"url"`
	Title  string `json:"title,omitempty"`
	Artist string `json:"artist,omitempty"`
	Cover  string `json:"cover,omitempty"`
}

// DocumentContent is an office-style document
type DocumentContent struct {
	URL   string `json:"url"`
	Name  string `json:"name"`
	Pages int    `json:"pages,omitempty"`
	Size  int64  `json:"size,omitempty"`
}

// CodeContent is a shared code snippet
type CodeContent struct {
	Language string `json:"language,omitempty"`
	Code     string `json:"code"`
}

// PPTContent is a slide deck
type PPTContent struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
	Pages int    `json:"pages,omitempty"`
}

// CharacterContent references a virtual character
type CharacterContent struct {
	CharacterID string `json:"character_id"`
	Name        string `json:"name,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

// Model3DContent references a 3D asset
type Model3DContent struct {
	URL    string `json:"url"`
	Format string `json:"format,omitempty"`
	Size   int64  `json:"size,omitempty"`
}

// SystemContent is a server-originated notice (recall, membership change, ...)
type SystemContent struct {
	Event string `json:"event"`
	Text  string `json:"text,omitempty"`
}

// CustomContent is an opaque client-defined payload
type CustomContent struct {
	Data json.RawMessage `json:"data"`
}

func (TextContent) MessageType() MessageType      { return TypeText }
func (ImageContent) MessageType() MessageType     { return TypeImage }
func (AudioContent) MessageType() MessageType     { return TypeAudio }
func (VideoContent) MessageType() MessageType     { return TypeVideo }
func (FileContent) MessageType() MessageType      { return TypeFile }
func (LocationContent) MessageType() MessageType  { return TypeLocation }
func (CardContent) MessageType() MessageType      { return TypeCard }
func (MusicContent) MessageType() MessageType     { return TypeMusic }
func (DocumentContent) MessageType() MessageType  { return TypeDocument }
func (CodeContent) MessageType() MessageType      { return TypeCode }
func (PPTContent) MessageType() MessageType       { return TypePPT }
func (CharacterContent) MessageType() MessageType { return TypeCharacter }
func (Model3DContent) MessageType() MessageType   { return TypeModel3D }
func (SystemContent) MessageType() MessageType    { return TypeSystem }
func (CustomContent) MessageType() MessageType    { return TypeCustom }

func (c TextContent) Validate() error {
	if c.Text == "" {
		return fmt.Errorf("text content requires text")
	}
	return nil
}

func (c ImageContent) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("image content requires url")
	}
	return nil
}

func (c AudioContent) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("audio content requires url")
	}
	return nil
}

func (c VideoContent) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("video content requires url")
	}
	return nil
}

func (c FileContent) Validate() error {
	if c.URL == "" || c.Name == "" {
		return fmt.Errorf("file content requires url and name")
	}
	return nil
}

func (c LocationContent) Validate() error {
	if c.Latitude < -90 || c.Latitude > 90 || c.Longitude < -180 || c.Longitude > 180 {
		return fmt.Errorf("location content coordinates out of range")
	}
	return nil
}

func (c CardContent) Validate() error {
	if c.UserID == "" {
		return fmt.Errorf("card content requires user_id")
	}
	return nil
}

func (c MusicContent) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("music content requires url")
	}
	return nil
}

func (c DocumentContent) Validate() error {
	if c.URL == "" || c.Name == "" {
		return fmt.Errorf("document content requires url and name")
	}
	return nil
}

func (c CodeContent) Validate() error {
	if c.Code == "" {
		return fmt.Errorf("code content requires code")
	}
	return nil
}

func (c PPTContent) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("ppt content requires url")
	}
	return nil
}

func (c CharacterContent) Validate() error {
	if c.CharacterID == "" {
		return fmt.Errorf("character content requires character_id")
	}
	return nil
}

func (c Model3DContent) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("model3d content requires url")
	}
	return nil
}

func (c SystemContent) Validate() error {
	if c.Event == "" {
		return fmt.Errorf("system content requires event")
	}
	return nil
}

func (c CustomContent) Validate() error {
	if len(c.Data) == 0 {
		return fmt.Errorf("custom content requires data")
	}
	return nil
}

// DecodeContent parses raw JSON into the concrete content shape for the given
// message type and validates its required fields.
func DecodeContent(t MessageType, raw []byte) (Content, error) {
	var c Content
	switch t {
	case TypeText:
		c = &TextContent{}
	case TypeImage:
		c = &ImageContent{}
	case TypeAudio:
		c = &AudioContent{}
	case TypeVideo:
		c = &VideoContent{}
	case TypeFile:
		c = &FileContent{}
	case TypeLocation:
		c = &LocationContent{}
	case TypeCard:
		c = &CardContent{}
	case TypeMusic:
		c = &MusicContent{}
	case TypeDocument:
		c = &DocumentContent{}
	case TypeCode:
		c = &CodeContent{}
	case TypePPT:
		c = &PPTContent{}
	case TypeCharacter:
		c = &CharacterContent{}
	case TypeModel3D:
		c = &Model3DContent{}
	case TypeSystem:
		c = &SystemContent{}
	case TypeCustom:
		c = &CustomContent{}
	default:
		return nil, fmt.Errorf("unknown message type %q", t)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(c); err != nil {
		return nil, fmt.Errorf("decoding %s content: %w", t, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// EncodeContent serializes a content shape back to its JSON column form.
func EncodeContent(c Content) ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding %s content: %w", c.MessageType(), err)
	}
	return data, nil
}
