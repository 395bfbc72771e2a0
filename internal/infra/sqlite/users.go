package sqlite

import (
	"database/sql"
	"time"

	"github.com/solvepad/solvepad/internal/domain"
)

// ─── Users ──────────────────────────────────────────────────────────────────

// User is one registered account, identified by phone number.
// ConfirmThreshold overrides the server-wide confirmation gate when
// positive; zero means the default applies.
type User struct {
	Phone            string    `json:"phone"`
	Credits          int64     `json:"credits"`
	ConfirmThreshold int       `json:"confirm_threshold,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// UpsertUser creates the user if missing; existing credits are kept.
func (d *DB) UpsertUser(phone string) error {
	_, err := d.db.Exec(
		`INSERT INTO users (phone, credits, created_at) VALUES (?, 0, ?)
		 ON CONFLICT(phone) DO NOTHING`,
		phone, time.Now().Unix(),
	)
	return err
}

// GetUser retrieves a user by phone.
func (d *DB) GetUser(phone string) (*User, error) {
	var (
		u       User
		created int64
	)
	err := d.db.QueryRow(
		`SELECT phone, credits, confirm_threshold, created_at FROM users WHERE phone = ?`, phone,
	).Scan(&u.Phone, &u.Credits, &u.ConfirmThreshold, &created)
	if err == sql.ErrNoRows {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	u.CreatedAt = time.Unix(created, 0)
	return &u, nil
}

// SetConfirmThreshold sets the user's confirmation gate override.
// Zero clears the override so the server default applies again.
func (d *DB) SetConfirmThreshold(phone string, n int) error {
	res, err := d.db.Exec(`UPDATE users SET confirm_threshold = ? WHERE phone = ?`, n, phone)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

// AdjustCredits adds delta (may be negative) to the user's balance and
// returns the new balance. The balance never goes below zero; an
// insufficient balance leaves the row unchanged and returns
// ErrInsufficientCredits with the current balance. Every successful
// adjustment writes a payments row so the balance history is auditable.
func (d *DB) AdjustCredits(phone string, delta int64, reference string) (int64, error) {
	tx, err := d.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`UPDATE users SET credits = credits + ? WHERE phone = ? AND credits + ? >= 0`,
		delta, phone, delta,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		// Read through the open tx; the pool has a single connection.
		var cur int64
		gerr := tx.QueryRow(`SELECT credits FROM users WHERE phone = ?`, phone).Scan(&cur)
		if gerr == sql.ErrNoRows {
			return 0, domain.ErrUserNotFound
		}
		if gerr != nil {
			return 0, gerr
		}
		return cur, domain.ErrInsufficientCredits
	}

	var balance int64
	if err := tx.QueryRow(`SELECT credits FROM users WHERE phone = ?`, phone).Scan(&balance); err != nil {
		return 0, err
	}
	_, err = tx.Exec(
		`INSERT INTO payments (user_phone, amount, balance, reference, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		phone, delta, balance, nullStr(reference), time.Now().Unix(),
	)
	if err != nil {
		return 0, err
	}
	return balance, tx.Commit()
}

// ─── Submissions ────────────────────────────────────────────────────────────

// Submission is the durable record of one completed batch.
type Submission struct {
	ID            int64     `json:"id"`
	TaskID        string    `json:"task_id"`
	UserPhone     string    `json:"user_phone"`
	Language      string    `json:"language"`
	QuestionCount int       `json:"question_count"`
	Solved        int       `json:"solved"`
	Failed        int       `json:"failed"`
	DocumentPath  string    `json:"document_path,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// InsertSubmission records a finished batch.
func (d *DB) InsertSubmission(s Submission) (int64, error) {
	res, err := d.db.Exec(
		`INSERT INTO submissions (task_id, user_phone, language, question_count, solved, failed, document_path, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.TaskID, s.UserPhone, s.Language, s.QuestionCount, s.Solved, s.Failed,
		nullStr(s.DocumentPath), time.Now().Unix(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListSubmissions returns the user's most recent submissions.
func (d *DB) ListSubmissions(phone string, limit int) ([]Submission, error) {
	rows, err := d.db.Query(
		`SELECT id, task_id, user_phone, language, question_count, solved, failed, document_path, created_at
		 FROM submissions WHERE user_phone = ? ORDER BY id DESC LIMIT ?`,
		phone, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []Submission
	for rows.Next() {
		var (
			s       Submission
			doc     sql.NullString
			created int64
		)
		if err := rows.Scan(&s.ID, &s.TaskID, &s.UserPhone, &s.Language,
			&s.QuestionCount, &s.Solved, &s.Failed, &doc, &created); err != nil {
			return nil, err
		}
		if doc.Valid {
			s.DocumentPath = doc.String
		}
		s.CreatedAt = time.Unix(created, 0)
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

// ─── Payments ───────────────────────────────────────────────────────────────

// Payment is one entry in the credit audit trail: the signed amount of
// a balance change and the balance it left behind.
type Payment struct {
	ID        int64     `json:"id"`
	UserPhone string    `json:"user_phone"`
	Amount    int64     `json:"amount"`
	Balance   int64     `json:"balance"`
	Reference string    `json:"reference,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ListPayments returns the user's most recent balance changes.
func (d *DB) ListPayments(phone string, limit int) ([]Payment, error) {
	rows, err := d.db.Query(
		`SELECT id, user_phone, amount, balance, reference, created_at
		 FROM payments WHERE user_phone = ? ORDER BY id DESC LIMIT ?`,
		phone, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Payment
	for rows.Next() {
		var (
			p       Payment
			ref     sql.NullString
			created int64
		)
		if err := rows.Scan(&p.ID, &p.UserPhone, &p.Amount, &p.Balance, &ref, &created); err != nil {
			return nil, err
		}
		if ref.Valid {
			p.Reference = ref.String
		}
		p.CreatedAt = time.Unix(created, 0)
		out = append(out, p)
	}
	return out, rows.Err()
}
