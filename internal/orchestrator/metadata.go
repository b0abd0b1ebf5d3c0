package orchestrator

import (
	"encoding/json"
	"regexp"
	"strings"
)

// AnswerSource enumerates where the agent says it drew its answer from.
type AnswerSource string

const (
	AnswerFAQ           AnswerSource = "FAQ"
	AnswerKnowledgeBase AnswerSource = "knowledge_base"
	AnswerExpert        AnswerSource = "expert"
	AnswerNone          AnswerSource = "none"
)

// TurnStatus is the metadata block's verdict on the session's fate.
type TurnStatus string

const (
	TurnActive   TurnStatus = "active"
	TurnResolved TurnStatus = "resolved"
)

// Metadata is the fenced JSON block embedded in the assistant's final text
// payload (spec §6.4).
type Metadata struct {
	KeyPoints        []string     `json:"key_points"`
	AnswerSource     AnswerSource `json:"answer_source"`
	SessionStatus    TurnStatus   `json:"session_status"`
	Confidence       float64      `json:"confidence,omitempty"`
	ExpertRouted     bool         `json:"expert_routed,omitempty"`
	ExpertUserID     string       `json:"expert_user_id,omitempty"`
	Domain           string       `json:"domain,omitempty"`
	ExpertName       string       `json:"expert_name,omitempty"`
	OriginalQuestion string       `json:"original_question,omitempty"`
}

// metadataFence matches either ```metadata or ```json fenced blocks.
var metadataFence = regexp.MustCompile("(?s)```(?:metadata|json)\\s*\\n(.*?)\\n?```")

// ExtractMetadata scans text for the first fenced metadata/json block
// containing a JSON object with the required fields, returning the parsed
// Metadata and the text with that block removed. If no valid block is
// found, ok is false and text is returned unchanged.
func ExtractMetadata(text string) (meta Metadata, cleaned string, ok bool) {
	loc := metadataFence.FindStringSubmatchIndex(text)
	if loc == nil {
		return Metadata{}, text, false
	}

	blockStart, blockEnd := loc[0], loc[1]
	jsonStart, jsonEnd := loc[2], loc[3]

	var m Metadata
	if err := json.Unmarshal([]byte(text[jsonStart:jsonEnd]), &m); err != nil {
		return Metadata{}, text, false
	}
	if m.AnswerSource == "" || m.SessionStatus == "" {
		return Metadata{}, text, false
	}

	cleaned = strings.TrimSpace(text[:blockStart] + text[blockEnd:])
	return m, cleaned, true
}
