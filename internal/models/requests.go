package models

// CreateStudyRequest is the payload for registering a new study. ID is
// optional; when the collaboration platform pre-registered the study the
// caller passes its ID so rosters and question banks line up.
type CreateStudyRequest struct {
	ID        string      `json:"id,omitempty"`
	Title     string      `json:"title"`
	Mode      Mode        `json:"mode,omitempty"`
	Config    StudyConfig `json:"config,omitempty"`
	Questions []Question  `json:"questions,omitempty"`
}

// SubmitResponseRequest is the payload for one expert answer.
type SubmitResponseRequest struct {
	QuestionID    string  `json:"questionId"`
	ParticipantID string  `json:"participantId"`
	Payload       Payload `json:"payload"`
}
