package models

import (
	"encoding/json"
	"fmt"
)

// AnswerData is the tagged union stored for a submitted answer. Exactly one
// variant is populated, selected by Type:
//
//	one:  AnswerID
//	many: AnswerIDs
//	text: AnswerText plus MatchedAnswerID when a variant matched
type AnswerData struct {
	Type            QuestionType
	AnswerID        int
	AnswerIDs       []int
	AnswerText      string
	MatchedAnswerID *int
}

// SingleChoice builds the single-choice variant.
func SingleChoice(answerID int) AnswerData {
	return AnswerData{Type: QuestionTypeSingle, AnswerID: answerID}
}

// MultiChoice builds the multi-choice variant.
func MultiChoice(answerIDs []int) AnswerData {
	return AnswerData{Type: QuestionTypeMulti, AnswerIDs: answerIDs}
}

// TextAnswer builds the text variant. matched is nil when no accepted
// variant equals the normalized submission.
func TextAnswer(text string, matched *int) AnswerData {
	return AnswerData{Type: QuestionTypeText, AnswerText: text, MatchedAnswerID: matched}
}

// SelectedAnswerIDs returns the answer ids this submission references:
// the chosen id, the chosen set, or the matched variant for text answers.
// Used when aggregating selection percentages.
func (d AnswerData) SelectedAnswerIDs() []int {
	switch d.Type {
	case QuestionTypeSingle:
		return []int{d.AnswerID}
	case QuestionTypeMulti:
		return d.AnswerIDs
	case QuestionTypeText:
		if d.MatchedAnswerID != nil {
			return []int{*d.MatchedAnswerID}
		}
	}
	return nil
}

// answerDataJSON is the storage representation of AnswerData.
type answerDataJSON struct {
	Type            QuestionType `json:"type"`
	AnswerID        *int         `json:"answer_id,omitempty"`
	AnswerIDs       []int        `json:"answer_ids,omitempty"`
	AnswerText      *string      `json:"answer_text,omitempty"`
	MatchedAnswerID *int         `json:"matched_answer_id,omitempty"`
}

// MarshalJSON emits the variant keyed by the question type discriminator.
func (d AnswerData) MarshalJSON() ([]byte, error) {
	out := answerDataJSON{Type: d.Type}
	switch d.Type {
	case QuestionTypeSingle:
		id := d.AnswerID
		out.AnswerID = &id
	case QuestionTypeMulti:
		out.AnswerIDs = d.AnswerIDs
	case QuestionTypeText:
		text := d.AnswerText
		out.AnswerText = &text
		out.MatchedAnswerID = d.MatchedAnswerID
	default:
		return nil, fmt.Errorf("answer data has unknown type %q", d.Type)
	}
	return json.Marshal(out)
}

// UnmarshalJSON validates the discriminator and populates the matching
// variant.
func (d *AnswerData) UnmarshalJSON(data []byte) error {
	var in answerDataJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if !in.Type.Valid() {
		return fmt.Errorf("answer data has unknown type %q", in.Type)
	}
	*d = AnswerData{Type: in.Type}
	switch in.Type {
	case QuestionTypeSingle:
		if in.AnswerID == nil {
			return fmt.Errorf("single-choice answer data without answer_id")
		}
		d.AnswerID = *in.AnswerID
	case QuestionTypeMulti:
		if len(in.AnswerIDs) == 0 {
			return fmt.Errorf("multi-choice answer data without answer_ids")
		}
		d.AnswerIDs = in.AnswerIDs
	case QuestionTypeText:
		if in.AnswerText == nil {
			return fmt.Errorf("text answer data without answer_text")
		}
		d.AnswerText = *in.AnswerText
		d.MatchedAnswerID = in.MatchedAnswerID
	}
	return nil
}
