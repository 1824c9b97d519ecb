package devserver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/g960059/postsync/internal/model"
)

var (
	ErrNotFound         = errors.New("post not found")
	ErrUsernameRequired = errors.New("username is required")
	ErrEmptyPost        = errors.New("either content or image_filename must be provided")
	ErrNoImage          = errors.New("post has no image")
	ErrNoContent        = errors.New("post has no content for sentiment analysis")
	ErrEmptyQuery       = errors.New("search query cannot be empty")
)

// createdAtLayout is fixed width so TEXT ordering matches time ordering.
const createdAtLayout = "2006-01-02T15:04:05.000000000Z"

const postColumns = `id, username, content, created_at, image_filename, image_status,
	image_description, description_status, sentiment_status, sentiment_label, sentiment_score`

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	if err := ApplyMigrations(ctx, db); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

// Reset drops every post by rolling the schema back and re-applying it.
func (s *Store) Reset(ctx context.Context) error {
	if err := RollbackAll(ctx, s.db); err != nil {
		return err
	}
	return ApplyMigrations(ctx, s.db)
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

type NewPost struct {
	Username      string
	Content       *string
	ImageFilename *string
	ImageStatus   model.ImageStatus
}

// CreatePost validates and inserts a post. Image status defaults to PENDING
// when an image is attached and READY otherwise.
func (s *Store) CreatePost(ctx context.Context, p NewPost) (int64, error) {
	username := strings.TrimSpace(p.Username)
	content := trimmed(p.Content)
	image := trimmed(p.ImageFilename)
	if username == "" {
		return 0, ErrUsernameRequired
	}
	if content == nil && image == nil {
		return 0, ErrEmptyPost
	}
	status := p.ImageStatus
	if status == "" {
		status = model.ImageReady
		if image != nil {
			status = model.ImagePending
		}
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO posts(username, content, created_at, image_filename, image_status)
VALUES (?, ?, ?, ?, ?)
`, username, nullableStr(content), ts(s.now()), nullableStr(image), string(status))
	if err != nil {
		return 0, fmt.Errorf("insert post: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert post id: %w", err)
	}
	return id, nil
}

func (s *Store) GetPost(ctx context.Context, id int64) (model.PostRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts WHERE id = ?`, id)
	rec, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.PostRecord{}, ErrNotFound
	}
	if err != nil {
		return model.PostRecord{}, fmt.Errorf("get post %d: %w", id, err)
	}
	return rec, nil
}

type ListFilter struct {
	User     string
	OrderBy  string
	OrderDir string
	Limit    int
}

func (s *Store) ListPosts(ctx context.Context, f ListFilter) ([]model.PostRecord, error) {
	col := "created_at"
	if f.OrderBy == "id" {
		col = "id"
	}
	dir := "DESC"
	if strings.EqualFold(f.OrderDir, "asc") {
		dir = "ASC"
	}
	query := `SELECT ` + postColumns + ` FROM posts`
	var args []any
	if f.User != "" {
		query += ` WHERE username = ?`
		args = append(args, f.User)
	}
	query += fmt.Sprintf(` ORDER BY %s %s, id %s`, col, dir, dir)
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return s.queryPosts(ctx, query, args...)
}

// SearchPosts matches q case-insensitively against content and username.
func (s *Store) SearchPosts(ctx context.Context, q string) ([]model.PostRecord, error) {
	if strings.TrimSpace(q) == "" {
		return nil, ErrEmptyQuery
	}
	return s.queryPosts(ctx, `SELECT `+postColumns+` FROM posts
WHERE instr(lower(coalesce(content, '')), lower(?)) > 0 OR instr(lower(username), lower(?)) > 0
ORDER BY created_at DESC, id DESC`, q, q)
}

// MarkDescriptionPending moves a post without a description to PENDING. A
// post that already has one is reported READY and left untouched.
func (s *Store) MarkDescriptionPending(ctx context.Context, id int64) (model.AttributeStatus, error) {
	rec, err := s.GetPost(ctx, id)
	if err != nil {
		return "", err
	}
	if !model.HasText(rec.ImageFilename) {
		return "", ErrNoImage
	}
	if model.HasText(rec.ImageDescription) {
		return model.StatusReady, nil
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE posts SET description_status = 'PENDING' WHERE id = ?`, id); err != nil {
		return "", fmt.Errorf("mark description pending %d: %w", id, err)
	}
	return model.StatusPending, nil
}

func (s *Store) SetDescription(ctx context.Context, id int64, status model.AttributeStatus, description *string) error {
	var err error
	if description == nil {
		_, err = s.db.ExecContext(ctx, `UPDATE posts SET description_status = ? WHERE id = ?`, string(status), id)
	} else {
		_, err = s.db.ExecContext(ctx, `UPDATE posts SET description_status = ?, image_description = ? WHERE id = ?`, string(status), *description, id)
	}
	if err != nil {
		return fmt.Errorf("set description %d: %w", id, err)
	}
	return nil
}

// MarkSentimentPending moves a post with content to PENDING. started is false
// when the post was already PENDING.
func (s *Store) MarkSentimentPending(ctx context.Context, id int64) (model.PostRecord, bool, error) {
	rec, err := s.GetPost(ctx, id)
	if err != nil {
		return model.PostRecord{}, false, err
	}
	if !model.HasText(rec.Content) {
		return model.PostRecord{}, false, ErrNoContent
	}
	if rec.SentimentStatus == model.StatusPending {
		return rec, false, nil
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE posts SET sentiment_status = 'PENDING' WHERE id = ?`, id); err != nil {
		return model.PostRecord{}, false, fmt.Errorf("mark sentiment pending %d: %w", id, err)
	}
	rec.SentimentStatus = model.StatusPending
	return rec, true, nil
}

func (s *Store) SetSentiment(ctx context.Context, id int64, status model.AttributeStatus, label *string, score *float64) error {
	var scoreArg any
	if score != nil {
		scoreArg = *score
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE posts SET sentiment_status = ?, sentiment_label = ?, sentiment_score = ? WHERE id = ?
`, string(status), nullableStr(label), scoreArg, id)
	if err != nil {
		return fmt.Errorf("set sentiment %d: %w", id, err)
	}
	return nil
}

func (s *Store) queryPosts(ctx context.Context, query string, args ...any) ([]model.PostRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query posts: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	out := []model.PostRecord{}
	for rows.Next() {
		rec, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPost(row scanner) (model.PostRecord, error) {
	var (
		rec                  model.PostRecord
		content, image, desc sql.NullString
		label                sql.NullString
		score                sql.NullFloat64
		createdAt            string
		imageStatus          string
		descStatus, sentStat string
	)
	if err := row.Scan(&rec.ID, &rec.Username, &content, &createdAt, &image, &imageStatus,
		&desc, &descStatus, &sentStat, &label, &score); err != nil {
		return model.PostRecord{}, err
	}
	created, err := parseTS(createdAt)
	if err != nil {
		return model.PostRecord{}, fmt.Errorf("parse created_at: %w", err)
	}
	rec.CreatedAt = created
	rec.Content = fromNull(content)
	rec.ImageFilename = fromNull(image)
	rec.ImageDescription = fromNull(desc)
	rec.SentimentLabel = fromNull(label)
	if score.Valid {
		v := score.Float64
		rec.SentimentScore = &v
	}
	rec.ImageStatus = model.ImageStatus(imageStatus)
	rec.DescriptionStatus = model.AttributeStatus(descStatus)
	rec.SentimentStatus = model.AttributeStatus(sentStat)
	return rec, nil
}

func trimmed(v *string) *string {
	if v == nil {
		return nil
	}
	t := strings.TrimSpace(*v)
	if t == "" {
		return nil
	}
	return &t
}

func fromNull(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullableStr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func ts(t time.Time) string {
	return t.UTC().Format(createdAtLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
