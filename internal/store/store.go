package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// timeLayout is fixed width with a literal Z suffix. Values are always
// formatted from UTC, so lexicographic order equals chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) (time.Time, error) {
	parsed, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp: %w", err)
	}
	return parsed, nil
}

// SQLStore persists the report hierarchy through database/sql. Queries
// stick to the placeholder and function subset both backends accept.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func ensureRowAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *SQLStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, created_at)
		VALUES ($1, $2, $3)
	`, user.Username, user.PasswordHash, formatTime(user.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *SQLStore) GetUserByUsername(ctx context.Context, username string) (User, error) {
	var (
		user    User
		created string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT username, password_hash, created_at
		FROM users
		WHERE username=$1
	`, username).Scan(&user.Username, &user.PasswordHash, &created)
	if err != nil {
		return User{}, err
	}
	if user.CreatedAt, err = parseTime(created); err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *SQLStore) InsertReport(ctx context.Context, item Report) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lab_reports (id, number, statement, authors, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, item.ID, item.Number, item.Statement, item.Authors, item.CreatedBy, formatTime(item.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert lab report: %w", err)
	}
	return nil
}

func (s *SQLStore) GetReport(ctx context.Context, reportID string) (Report, error) {
	var (
		item    Report
		created string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, number, statement, authors, created_by, created_at
		FROM lab_reports
		WHERE id=$1
	`, reportID).Scan(&item.ID, &item.Number, &item.Statement, &item.Authors, &item.CreatedBy, &created)
	if err != nil {
		return Report{}, err
	}
	if item.CreatedAt, err = parseTime(created); err != nil {
		return Report{}, err
	}
	return item, nil
}

func (s *SQLStore) ListReports(ctx context.Context) ([]Report, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, number, statement, authors, created_by, created_at
		FROM lab_reports
		ORDER BY created_at DESC, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list lab reports: %w", err)
	}
	defer rows.Close()

	items := make([]Report, 0)
	for rows.Next() {
		var (
			item    Report
			created string
		)
		if err := rows.Scan(&item.ID, &item.Number, &item.Statement, &item.Authors, &item.CreatedBy, &created); err != nil {
			return nil, fmt.Errorf("scan lab report: %w", err)
		}
		if item.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lab reports: %w", err)
	}
	return items, nil
}

func (s *SQLStore) UpdateReport(ctx context.Context, item Report) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE lab_reports
		SET number=$1, statement=$2, authors=$3
		WHERE id=$4
	`, item.Number, item.Statement, item.Authors, item.ID)
	if err != nil {
		return fmt.Errorf("update lab report: %w", err)
	}
	return ensureRowAffected(res)
}

// DeleteReportCascade removes the report with all of its questions and
// subtopics as one transaction. Reports that do not exist surface as
// sql.ErrNoRows with nothing deleted.
func (s *SQLStore) DeleteReportCascade(ctx context.Context, reportID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cascade tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM subtopics
		WHERE question_id IN (SELECT id FROM questions WHERE lab_report_id=$1)
	`, reportID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete report subtopics: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM questions WHERE lab_report_id=$1
	`, reportID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete report questions: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM lab_reports WHERE id=$1`, reportID)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete lab report: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		_ = tx.Rollback()
		return sql.ErrNoRows
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cascade tx: %w", err)
	}
	return nil
}

func (s *SQLStore) InsertQuestion(ctx context.Context, item Question) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO questions (id, lab_report_id, number, statement, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, item.ID, item.ReportID, item.Number, item.Statement, formatTime(item.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert question: %w", err)
	}
	return nil
}

// GetReportQuestion resolves the question only when it belongs to the
// given report, so a valid id under the wrong report reads as missing.
func (s *SQLStore) GetReportQuestion(ctx context.Context, reportID, questionID string) (Question, error) {
	var (
		item    Question
		created string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, lab_report_id, number, statement, created_at
		FROM questions
		WHERE id=$1 AND lab_report_id=$2
	`, questionID, reportID).Scan(&item.ID, &item.ReportID, &item.Number, &item.Statement, &created)
	if err != nil {
		return Question{}, err
	}
	if item.CreatedAt, err = parseTime(created); err != nil {
		return Question{}, err
	}
	return item, nil
}

func (s *SQLStore) ListQuestionsByReport(ctx context.Context, reportID string) ([]Question, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, lab_report_id, number, statement, created_at
		FROM questions
		WHERE lab_report_id=$1
		ORDER BY created_at, id
	`, reportID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	defer rows.Close()

	items := make([]Question, 0)
	for rows.Next() {
		var (
			item    Question
			created string
		)
		if err := rows.Scan(&item.ID, &item.ReportID, &item.Number, &item.Statement, &created); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		if item.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate questions: %w", err)
	}
	return items, nil
}

func (s *SQLStore) CountQuestions(ctx context.Context, reportID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM questions WHERE lab_report_id=$1
	`, reportID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count questions: %w", err)
	}
	return count, nil
}

func (s *SQLStore) UpdateQuestion(ctx context.Context, item Question) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE questions
		SET number=$1, statement=$2
		WHERE id=$3
	`, item.Number, item.Statement, item.ID)
	if err != nil {
		return fmt.Errorf("update question: %w", err)
	}
	return ensureRowAffected(res)
}

// DeleteQuestionCascade removes the question and its subtopics as one
// transaction.
func (s *SQLStore) DeleteQuestionCascade(ctx context.Context, questionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cascade tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM subtopics WHERE question_id=$1
	`, questionID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete question subtopics: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM questions WHERE id=$1`, questionID)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete question: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		_ = tx.Rollback()
		return sql.ErrNoRows
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cascade tx: %w", err)
	}
	return nil
}

func (s *SQLStore) InsertSubtopic(ctx context.Context, item Subtopic) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subtopics (id, question_id, title, procedures, explanation, citations, image_url, figure_description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, item.ID, item.QuestionID, item.Title, item.Procedures, item.Explanation, item.Citations,
		item.ImageURL, item.FigureDescription, formatTime(item.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert subtopic: %w", err)
	}
	return nil
}

func (s *SQLStore) GetQuestionSubtopic(ctx context.Context, questionID, subtopicID string) (Subtopic, error) {
	var (
		item    Subtopic
		created string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, question_id, title, procedures, explanation, citations, image_url, figure_description, created_at
		FROM subtopics
		WHERE id=$1 AND question_id=$2
	`, subtopicID, questionID).Scan(&item.ID, &item.QuestionID, &item.Title, &item.Procedures,
		&item.Explanation, &item.Citations, &item.ImageURL, &item.FigureDescription, &created)
	if err != nil {
		return Subtopic{}, err
	}
	if item.CreatedAt, err = parseTime(created); err != nil {
		return Subtopic{}, err
	}
	return item, nil
}

func (s *SQLStore) ListSubtopicsByQuestion(ctx context.Context, questionID string) ([]Subtopic, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, question_id, title, procedures, explanation, citations, image_url, figure_description, created_at
		FROM subtopics
		WHERE question_id=$1
		ORDER BY created_at, id
	`, questionID)
	if err != nil {
		return nil, fmt.Errorf("list subtopics: %w", err)
	}
	defer rows.Close()

	items := make([]Subtopic, 0)
	for rows.Next() {
		var (
			item    Subtopic
			created string
		)
		if err := rows.Scan(&item.ID, &item.QuestionID, &item.Title, &item.Procedures,
			&item.Explanation, &item.Citations, &item.ImageURL, &item.FigureDescription, &created); err != nil {
			return nil, fmt.Errorf("scan subtopic: %w", err)
		}
		if item.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subtopics: %w", err)
	}
	return items, nil
}

func (s *SQLStore) UpdateSubtopic(ctx context.Context, item Subtopic) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE subtopics
		SET title=$1, procedures=$2, explanation=$3, citations=$4, image_url=$5, figure_description=$6
		WHERE id=$7
	`, item.Title, item.Procedures, item.Explanation, item.Citations, item.ImageURL,
		item.FigureDescription, item.ID)
	if err != nil {
		return fmt.Errorf("update subtopic: %w", err)
	}
	return ensureRowAffected(res)
}

func (s *SQLStore) DeleteSubtopic(ctx context.Context, subtopicID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM subtopics WHERE id=$1`, subtopicID)
	if err != nil {
		return fmt.Errorf("delete subtopic: %w", err)
	}
	return ensureRowAffected(res)
}

func (s *SQLStore) SaveRefreshSession(ctx context.Context, tokenHash, username string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, username, expires_at, revoked_at)
		VALUES ($1, $2, $3, NULL)
		ON CONFLICT (token_hash) DO UPDATE SET username=EXCLUDED.username, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, username, formatTime(expiresAt))
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *SQLStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE refresh_sessions SET revoked_at=$1 WHERE token_hash=$2
	`, formatTime(time.Now()), tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *SQLStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.username, u.password_hash, u.created_at
		FROM refresh_sessions rs
		JOIN users u ON u.username = rs.username
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > $2
	`
	var (
		user    User
		created string
	)
	err := s.db.QueryRowContext(ctx, query, tokenHash, formatTime(time.Now())).Scan(&user.Username, &user.PasswordHash, &created)
	if err != nil {
		return User{}, err
	}
	if user.CreatedAt, err = parseTime(created); err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *SQLStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, formatTime(exp))
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *SQLStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM revoked_access_tokens WHERE jti=$1
	`, jti).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return count > 0, nil
}
