package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/shopdm/dmflow/internal/models"
)

// rowScanner abstracts *sql.Row and *sql.Rows for the shared scan helpers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(sc rowScanner) (models.Message, error) {
	var m models.Message
	var text, mediaURL, provider sql.NullString
	if err := sc.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Type,
		&text, &mediaURL, &provider, &m.CreatedAt); err != nil {
		return models.Message{}, fmt.Errorf("failed to scan message: %w", err)
	}
	m.Text = text.String
	m.MediaURL = mediaURL.String
	m.Provider = provider.String
	return m, nil
}

func scanAction(sc rowScanner) (*models.PendingAction, error) {
	var a models.PendingAction
	var conversationID, summary, payload, result, errDetail sql.NullString
	var approvedAt, executedAt sql.NullTime
	if err := sc.Scan(&a.ID, &conversationID, &a.ActionType, &summary, &payload,
		&a.Status, &result, &errDetail, &a.CreatedAt, &approvedAt, &executedAt); err != nil {
		return nil, err
	}
	a.ConversationID = conversationID.String
	a.Summary = summary.String
	if payload.Valid {
		a.Payload = json.RawMessage(payload.String)
	}
	if result.Valid {
		a.Result = json.RawMessage(result.String)
	}
	a.Error = errDetail.String
	if approvedAt.Valid {
		a.ApprovedAt = &approvedAt.Time
	}
	if executedAt.Valid {
		a.ExecutedAt = &executedAt.Time
	}
	return &a, nil
}

func scanActionRow(row *sql.Row) (*models.PendingAction, error) {
	return scanAction(row)
}

// nilIfEmpty maps "" to NULL so optional text columns stay NULL-clean.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// requireRow converts a zero-row UPDATE into ErrConversationNotFound.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrConversationNotFound
	}
	return nil
}
