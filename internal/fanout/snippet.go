// ABOUTME: Conversation preview snippets derived from message content
// ABOUTME: Text is truncated to 50 runes; media types collapse to a bracketed label

package fanout

import "github.com/halcyon-im/halcyon/internal/store"

const snippetRunes = 50

var typeLabels = map[store.MessageType]string{
	store.TypeImage:     "[Image]",
	store.TypeAudio:     "[Audio]",
	store.TypeVideo:     "[Video]",
	store.TypeFile:      "[File]",
	store.TypeLocation:  "[Location]",
	store.TypeCard:      "[Card]",
	store.TypeMusic:     "[Music]",
	store.TypeDocument:  "[Document]",
	store.TypeCode:      "[Code]",
	store.TypePPT:       "[Slides]",
	store.TypeCharacter: "[Character]",
	store.TypeModel3D:   "[3D Model]",
	store.TypeSystem:    "[System]",
	store.TypeCustom:    "[Custom]",
}

// Snippet renders the one-line conversation preview for a message.
func Snippet(m *store.Message) string {
	if m.Type == store.TypeText {
		content, err := store.DecodeContent(store.TypeText, m.Content)
		if err != nil {
			return ""
		}
		return truncate(content.(*store.TextContent).Text, snippetRunes)
	}
	return typeLabels[m.Type]
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
