package repository

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mtlprog/agentprov/internal/domain"
)

// apiKeyPrefix makes issued keys recognizable in logs and secret scanners.
const apiKeyPrefix = "apk_"

var callerColumns = []string{"id", "name", "key_hash", "is_active", "created_at"}

// CallerRepository handles database operations for API callers.
type CallerRepository struct {
	pool *pgxpool.Pool
}

// NewCallerRepository creates a new CallerRepository.
func NewCallerRepository(pool *pgxpool.Pool) *CallerRepository {
	return &CallerRepository{pool: pool}
}

// HashAPIKey returns the stored form of an API key. Plain keys are never persisted.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func scanCaller(row pgx.Row) (*domain.Caller, error) {
	var caller domain.Caller
	err := row.Scan(
		&caller.ID,
		&caller.Name,
		&caller.KeyHash,
		&caller.IsActive,
		&caller.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrCallerNotFound
		}
		return nil, fmt.Errorf("scan caller: %w", err)
	}
	return &caller, nil
}

// GetByAPIKey finds a caller by its plain API key.
func (r *CallerRepository) GetByAPIKey(ctx context.Context, key string) (*domain.Caller, error) {
	query, args, err := psql.
		Select(callerColumns...).
		From("api_keys").
		Where(sq.Eq{"key_hash": HashAPIKey(key)}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build GetByAPIKey query: %w", err)
	}

	return scanCaller(r.pool.QueryRow(ctx, query, args...))
}

// Create issues a new API key for a caller and returns the plain key. The
// key cannot be recovered later.
func (r *CallerRepository) Create(ctx context.Context, name string) (*domain.Caller, string, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, "", fmt.Errorf("generate api key: %w", err)
	}
	key := apiKeyPrefix + hex.EncodeToString(secret)

	query, args, err := psql.
		Insert("api_keys").
		Columns("name", "key_hash").
		Values(name, HashAPIKey(key)).
		Suffix("RETURNING " + strings.Join(callerColumns, ", ")).
		ToSql()
	if err != nil {
		return nil, "", fmt.Errorf("build Create query for caller %s: %w", name, err)
	}

	caller, err := scanCaller(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, "", fmt.Errorf("create caller: %w", err)
	}
	return caller, key, nil
}
