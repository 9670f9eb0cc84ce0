package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/npezzotti/pointing-poker/internal/types"
)

const (
	upsertTicketQuery = "INSERT INTO tickets (issue_key, sprint_id, created_at, updated_at) VALUES ($1, $2, $3, $3) " +
		"ON CONFLICT (issue_key, sprint_id) DO UPDATE SET updated_at = EXCLUDED.updated_at RETURNING id"
)

func (db *PgRepository) GetSessionByExternalId(ctx context.Context, externalId string) (Session, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, external_id, name, facilitator_id, board_id, sprint_id, estimation_type, created_at "+
			"FROM estimation_sessions WHERE external_id = $1 LIMIT 1",
		externalId,
	)

	var s Session
	err := row.Scan(
		&s.Id,
		&s.ExternalId,
		&s.Name,
		&s.FacilitatorId,
		&s.BoardId,
		&s.SprintId,
		&s.EstimationType,
		&s.CreatedAt,
	)

	return s, err
}

func (db *PgRepository) FindTicketByKey(ctx context.Context, issueKey, sprintId string) (Ticket, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, issue_key, sprint_id, final_estimate, final_estimate_text, saved_to_tracker, created_at, updated_at "+
			"FROM tickets WHERE issue_key = $1 AND sprint_id = $2 LIMIT 1",
		issueKey,
		sprintId,
	)

	var (
		t             Ticket
		finalEstimate sql.NullFloat64
	)
	err := row.Scan(
		&t.Id,
		&t.IssueKey,
		&t.SprintId,
		&finalEstimate,
		&t.FinalEstimateText,
		&t.SavedToTracker,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return Ticket{}, err
	}

	if finalEstimate.Valid {
		t.FinalEstimate = &finalEstimate.Float64
	}

	rounds, err := db.votingRounds(ctx, t.Id)
	if err != nil {
		return Ticket{}, fmt.Errorf("voting rounds: %w", err)
	}
	t.VotingRounds = rounds

	return t, nil
}

func (db *PgRepository) votingRounds(ctx context.Context, ticketId int) ([]types.VotingRound, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT round_number, votes, average, agreement, final_estimate, final_estimate_text, revealed_at, saved_to_tracker "+
			"FROM voting_rounds WHERE ticket_id = $1 ORDER BY id ASC",
		ticketId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rounds := make([]types.VotingRound, 0)
	for rows.Next() {
		var (
			round         types.VotingRound
			votes         []byte
			average       sql.NullFloat64
			agreement     sql.NullFloat64
			finalEstimate sql.NullFloat64
		)
		if err := rows.Scan(
			&round.RoundNumber,
			&votes,
			&average,
			&agreement,
			&finalEstimate,
			&round.FinalEstimateText,
			&round.RevealedAt,
			&round.SavedToTracker,
		); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		if round.Votes, err = decodeVotes(votes); err != nil {
			return nil, err
		}
		round.Average = nullFloat(average)
		round.Agreement = nullFloat(agreement)
		round.FinalEstimate = nullFloat(finalEstimate)

		rounds = append(rounds, round)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return rounds, nil
}

// AppendVotingRound records a reveal against the ticket, creating the ticket
// row on its first round.
func (db *PgRepository) AppendVotingRound(ctx context.Context, issueKey, sprintId string, round types.VotingRound) error {
	votes, err := encodeVotes(round.Votes)
	if err != nil {
		return err
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var ticketId int
	err = tx.QueryRowContext(ctx, upsertTicketQuery, issueKey, sprintId, time.Now().UTC()).Scan(&ticketId)
	if err != nil {
		return fmt.Errorf("upsert ticket: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO voting_rounds (ticket_id, round_number, votes, average, agreement, final_estimate, final_estimate_text, revealed_at, saved_to_tracker) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)",
		ticketId,
		round.RoundNumber,
		votes,
		round.Average,
		round.Agreement,
		round.FinalEstimate,
		round.FinalEstimateText,
		round.RevealedAt.UTC(),
		round.SavedToTracker,
	)
	if err != nil {
		return fmt.Errorf("insert voting round: %w", err)
	}

	return tx.Commit()
}

func (db *PgRepository) SaveFinalEstimate(ctx context.Context, params SaveEstimateParams) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var ticketId int
	err = tx.QueryRowContext(ctx, upsertTicketQuery, params.IssueKey, params.SprintId, time.Now().UTC()).Scan(&ticketId)
	if err != nil {
		return fmt.Errorf("upsert ticket: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE tickets SET final_estimate = $2, saved_to_tracker = $3, updated_at = $4 WHERE id = $1",
		ticketId,
		params.Value,
		params.SavedToTracker,
		time.Now().UTC(),
	)
	if err != nil {
		return err
	}

	// the latest round carries the accepted value so a replay shows it
	_, err = tx.ExecContext(ctx,
		"UPDATE voting_rounds SET final_estimate = $2, saved_to_tracker = $3 "+
			"WHERE id = (SELECT id FROM voting_rounds WHERE ticket_id = $1 ORDER BY id DESC LIMIT 1)",
		ticketId,
		params.Value,
		params.SavedToTracker,
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (db *PgRepository) CreateChatMessage(ctx context.Context, msg ChatMessage) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO chat_messages (room_id, sender_id, sender_name, content, is_bot, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6)",
		msg.RoomId,
		msg.SenderId,
		msg.SenderName,
		msg.Content,
		msg.IsBot,
		msg.CreatedAt.UTC(),
	)

	return err
}

// RecentChatMessages returns up to limit messages for the room, oldest first.
func (db *PgRepository) RecentChatMessages(ctx context.Context, roomId string, limit int) ([]ChatMessage, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT id, room_id, sender_id, sender_name, content, is_bot, created_at FROM chat_messages "+
			"WHERE room_id = $1 ORDER BY id DESC LIMIT $2",
		roomId,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]ChatMessage, 0, limit)
	for rows.Next() {
		var msg ChatMessage
		if err := rows.Scan(&msg.Id, &msg.RoomId, &msg.SenderId, &msg.SenderName, &msg.Content, &msg.IsBot, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	// reverse into chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

func encodeVotes(votes []types.Vote) ([]byte, error) {
	if votes == nil {
		votes = []types.Vote{}
	}

	b, err := json.Marshal(votes)
	if err != nil {
		return nil, fmt.Errorf("encode votes: %w", err)
	}

	return b, nil
}

func decodeVotes(raw []byte) ([]types.Vote, error) {
	votes := make([]types.Vote, 0)
	if len(raw) == 0 {
		return votes, nil
	}

	if err := json.Unmarshal(raw, &votes); err != nil {
		return nil, fmt.Errorf("decode votes: %w", err)
	}

	return votes, nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}

	f := v.Float64
	return &f
}
