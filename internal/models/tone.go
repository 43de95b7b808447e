package models

// Tone selects the style directive sent to the completion provider.
type Tone string

const (
	ToneFormal     Tone = "Formal"
	ToneCasual     Tone = "Casual"
	ToneTechnical  Tone = "Technical"
	TonePersuasive Tone = "Persuasive"
)

// Valid reports whether the tone is one of the recognized values.
func (t Tone) Valid() bool {
	switch t {
	case ToneFormal, ToneCasual, ToneTechnical, TonePersuasive:
		return true
	}
	return false
}
