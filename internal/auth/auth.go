package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/example/slotsniper/internal/db"
	"github.com/gorilla/securecookie"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials covers both an unknown operator and a wrong password.
var ErrInvalidCredentials = errors.New("invalid credentials")

const (
	cookieName = "slotsniper_session"
	sessionTTL = 14 * 24 * time.Hour
	minPassLen = 8
)

// Operator is a console account. Phones receive the notifications of tasks
// the operator creates without phones of their own.
type Operator struct {
	ID       int64
	Username string
	Phones   []string
}

// Store authenticates operators and keeps their console session in a signed,
// encrypted cookie.
type Store struct {
	sc *securecookie.SecureCookie
	db *db.DB
}

func NewStore(d *db.DB, hashKey, blockKey []byte) *Store {
	sc := securecookie.New(hashKey, blockKey)
	sc.MaxAge(int(sessionTTL.Seconds()))
	return &Store{sc: sc, db: d}
}

func HashPassword(pw string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	return string(b), err
}

func CheckPassword(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}

// CleanPhones trims entries and drops empty and repeated ones.
func CleanPhones(in []string) []string {
	var out []string
	seen := map[string]bool{}
	for _, p := range in {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

func joinPhones(ps []string) string { return strings.Join(CleanPhones(ps), ",") }

func splitPhones(s string) []string { return CleanPhones(strings.Split(s, ",")) }

// CreateOperator adds a console account and returns its id.
func (s *Store) CreateOperator(ctx context.Context, username, password string, phones []string) (int64, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return 0, errors.New("username required")
	}
	if len(password) < minPassLen {
		return 0, errors.New("password must be at least 8 characters")
	}
	hash, err := HashPassword(password)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.db.QueryRow(ctx,
		`INSERT INTO users(username, password_bcrypt, notify_phones) VALUES ($1,$2,$3) RETURNING id`,
		username, hash, joinPhones(phones)).Scan(&id)
	return id, err
}

// SetPhones replaces the operator's notification phones.
func (s *Store) SetPhones(ctx context.Context, username string, phones []string) error {
	n, err := s.db.ExecCount(ctx, `UPDATE users SET notify_phones=$2 WHERE username=$1`, username, joinPhones(phones))
	if err != nil {
		return err
	}
	if n == 0 {
		return db.ErrNotFound
	}
	return nil
}

func (s *Store) Operator(ctx context.Context, id int64) (Operator, error) {
	op := Operator{ID: id}
	var phones string
	err := s.db.QueryRow(ctx, `SELECT username, notify_phones FROM users WHERE id=$1`, id).Scan(&op.Username, &phones)
	if err != nil {
		return Operator{}, db.WrapNotFound(err)
	}
	op.Phones = splitPhones(phones)
	return op, nil
}

// Authenticate checks a login and returns the operator it belongs to.
func (s *Store) Authenticate(ctx context.Context, username, password string) (Operator, error) {
	var op Operator
	var hash, phones string
	err := s.db.QueryRow(ctx, `SELECT id, username, password_bcrypt, notify_phones FROM users WHERE username=$1`,
		strings.TrimSpace(username)).Scan(&op.ID, &op.Username, &hash, &phones)
	if err != nil {
		if db.IsNotFound(err) {
			return Operator{}, ErrInvalidCredentials
		}
		return Operator{}, db.WrapNotFound(err)
	}
	if !CheckPassword(hash, password) {
		return Operator{}, ErrInvalidCredentials
	}
	op.Phones = splitPhones(phones)
	return op, nil
}

// Session is what the console cookie carries.
type Session struct {
	UserID   int64
	Username string
}

func (s *Store) SetSession(w http.ResponseWriter, r *http.Request, sess Session) error {
	encoded, err := s.sc.Encode(cookieName, sess)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    encoded,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
		MaxAge:   int(sessionTTL.Seconds()),
	})
	return nil
}

func (s *Store) ClearSession(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
}

func (s *Store) GetSession(r *http.Request) (Session, bool) {
	c, err := r.Cookie(cookieName)
	if err != nil {
		return Session{}, false
	}
	var sess Session
	if err := s.sc.Decode(cookieName, c.Value, &sess); err != nil || sess.UserID <= 0 {
		return Session{}, false
	}
	return sess, true
}

type ctxKey struct{}

// RequireAuth sends visitors without a valid session to the login page.
func (s *Store) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.GetSession(r)
		if !ok {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, sess)))
	})
}

func SessionFromContext(ctx context.Context) (Session, bool) {
	sess, ok := ctx.Value(ctxKey{}).(Session)
	return sess, ok
}
