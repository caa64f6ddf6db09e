package attendance

import (
	"strings"
	"time"
	"unicode/utf8"
)

const (
	maxJustificationLen = 2000
	maxReasonLen        = 1000
	maxCommentLen       = 500
)

// applyRedemption moves a not_marked record to present or late. A record
// already marked by any means is returned unchanged with changed=false.
func applyRedemption(rec Record, s Session, now time.Time, p Policy) (next Record, changed bool) {
	if rec.Status.Marked() {
		return rec, false
	}
	rec.Status = StatusPresent
	if p.LateAfter > 0 && !s.StartsAt.IsZero() && now.After(s.StartsAt.Add(p.LateAfter)) {
		rec.Status = StatusLate
	}
	rec.UpdatedAt = now
	return rec, true
}

// applyMark is the administrative not_marked -> present|absent|late step.
func applyMark(rec Record, status Status, comment string, now time.Time) (Record, error) {
	switch status {
	case StatusPresent, StatusAbsent, StatusLate:
	default:
		return rec, newError(KindValidation, "status %q cannot be set directly", status)
	}
	comment = strings.TrimSpace(comment)
	if utf8.RuneCountInString(comment) > maxCommentLen {
		return rec, newError(KindValidation, "comment longer than %d characters", maxCommentLen)
	}
	if rec.Status.Marked() {
		return rec, newError(KindInvalidStateTransition, "attendance already marked %s", rec.Status)
	}
	rec.Status = status
	rec.Comment = comment
	rec.UpdatedAt = now
	return rec, nil
}

// applySubmission records a student's justification on an absent or late record.
func applySubmission(rec Record, text string, now time.Time) (Record, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return rec, newError(KindValidation, "justification text is required")
	}
	if utf8.RuneCountInString(text) > maxJustificationLen {
		return rec, newError(KindValidation, "justification longer than %d characters", maxJustificationLen)
	}
	if rec.Status != StatusAbsent && rec.Status != StatusLate {
		return rec, newError(KindInvalidStateTransition, "justification not allowed for status %s", rec.Status)
	}
	switch rec.JustificationStatus {
	case JustificationPending, JustificationApproved:
		return rec, newError(KindInvalidStateTransition, "justification already %s", rec.JustificationStatus)
	}
	rec.Justification = text
	rec.JustificationStatus = JustificationPending
	rec.JustificationSubmittedAt = &now
	rec.UpdatedAt = now
	return rec, nil
}

// applyReview settles a pending justification.
func applyReview(rec Record, d Decision, reviewerID, reason string, now time.Time, excuse bool) (Record, error) {
	reason = strings.TrimSpace(reason)
	if utf8.RuneCountInString(reason) > maxReasonLen {
		return rec, newError(KindValidation, "reason longer than %d characters", maxReasonLen)
	}
	var next JustificationStatus
	switch d {
	case DecisionApprove:
		next = JustificationApproved
	case DecisionReject:
		next = JustificationRejected
	default:
		return rec, newError(KindValidation, "decision must be %q or %q", DecisionApprove, DecisionReject)
	}
	if rec.JustificationStatus != JustificationPending {
		return rec, newError(KindInvalidStateTransition, "no pending justification (status %s)", rec.JustificationStatus)
	}
	rec.JustificationStatus = next
	rec.JustificationReviewedAt = &now
	rec.ReviewedBy = reviewerID
	rec.ReviewReason = reason
	if next == JustificationApproved && excuse {
		rec.Status = StatusExcused
	}
	rec.UpdatedAt = now
	return rec, nil
}
