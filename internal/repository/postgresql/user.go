package postgresql

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/swapden/handover/internal/db"
	"github.com/swapden/handover/internal/repository"
)

type UserRepo struct {
	db db.DB
}

func NewUserRepo(db db.DB) *UserRepo {
	return &UserRepo{db: db}
}

func (r *UserRepo) CreateUser(ctx context.Context, username, password string) error {
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(ctx,
		"INSERT INTO users (username, password) VALUES ($1, $2) ON CONFLICT (username) DO NOTHING",
		username, string(hashedPassword))
	return err
}

func (r *UserRepo) ValidateUser(ctx context.Context, username, password string) (bool, error) {
	var hashedPassword string
	err := r.db.ExecQueryRow(ctx,
		"SELECT password FROM users WHERE username = $1", username).Scan(&hashedPassword)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, repository.ErrObjectNotFound
		}
		return false, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password)); err != nil {
		return false, nil
	}
	return true, nil
}
