package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/safar/go-marketplace/internal/authz"
	"github.com/safar/go-marketplace/internal/database"
	"github.com/safar/go-marketplace/internal/models"
)

func RegisterAccount(ctx context.Context, db *sql.DB, username, secret string, role models.Role, displayName string) (*models.Account, error) {
	if username == "" || secret == "" || displayName == "" {
		return nil, database.ErrInvalidSpec
	}
	if !role.Valid() {
		return nil, database.ErrInvalidSpec
	}

	account := &models.Account{}

	query := `
		INSERT INTO accounts (username, secret, role, display_name, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING username, secret, role, display_name, created_at`

	err := db.QueryRowContext(ctx, query, username, secret, string(role), displayName).Scan(
		&account.Username,
		&account.Secret,
		&account.Role,
		&account.DisplayName,
		&account.CreatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, database.ErrDuplicateUsername
		}
		return nil, fmt.Errorf("register account: %w", err)
	}

	return account, nil
}

// Authenticate returns the same error for an unknown username and a wrong
// secret, so callers cannot enumerate usernames.
func Authenticate(ctx context.Context, db *sql.DB, username, secret string) (*models.Account, error) {
	account, err := GetAccount(ctx, db, username)
	if err != nil {
		if err == database.ErrAccountNotFound {
			return nil, database.ErrInvalidCredentials
		}
		return nil, err
	}

	if account.Secret != secret {
		return nil, database.ErrInvalidCredentials
	}

	return account, nil
}

func GetAccount(ctx context.Context, db *sql.DB, username string) (*models.Account, error) {
	account := &models.Account{}

	query := `
		SELECT username, secret, role, display_name, created_at
		FROM accounts
		WHERE username = $1`

	err := db.QueryRowContext(ctx, query, username).Scan(
		&account.Username,
		&account.Secret,
		&account.Role,
		&account.DisplayName,
		&account.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}

	return account, nil
}

type AccountChanges struct {
	Secret      *string
	DisplayName *string
	Role        *models.Role
}

// UpdateAccount applies changes to the target account. Secret and display
// name may be changed by the account itself or by an admin; role changes
// are admin only.
func UpdateAccount(ctx context.Context, db *sql.DB, actor *models.Account, target string, changes AccountChanges) (*models.Account, error) {
	self := actor.Username == target
	if (changes.Secret != nil || changes.DisplayName != nil) && !self && actor.Role != models.RoleAdmin {
		return nil, authz.ErrForbidden
	}
	if changes.Role != nil {
		if actor.Role != models.RoleAdmin {
			return nil, authz.ErrForbidden
		}
		if !changes.Role.Valid() {
			return nil, database.ErrInvalidSpec
		}
	}
	if changes.Secret != nil && *changes.Secret == "" {
		return nil, database.ErrInvalidSpec
	}

	account := &models.Account{}

	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`SELECT username, secret, role, display_name, created_at
			 FROM accounts WHERE username = $1 FOR UPDATE`,
			target).Scan(
			&account.Username,
			&account.Secret,
			&account.Role,
			&account.DisplayName,
			&account.CreatedAt,
		)
		if err != nil {
			if err == sql.ErrNoRows {
				return database.ErrAccountNotFound
			}
			return fmt.Errorf("lock account: %w", err)
		}

		if changes.Secret != nil {
			account.Secret = *changes.Secret
		}
		if changes.DisplayName != nil {
			account.DisplayName = *changes.DisplayName
		}
		if changes.Role != nil {
			account.Role = *changes.Role
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE accounts SET secret = $2, display_name = $3, role = $4 WHERE username = $1`,
			target, account.Secret, account.DisplayName, string(account.Role))
		if err != nil {
			return fmt.Errorf("update account: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return account, nil
}

// DeleteAccount refuses protected seed accounts (admin/manager roles),
// deletion of the acting account itself, and accounts that still own
// orders.
func DeleteAccount(ctx context.Context, db *sql.DB, actor *models.Account, target string) error {
	if err := authz.Require(actor.Role, authz.ActionAccountAdmin); err != nil {
		return err
	}
	if actor.Username == target {
		return authz.ErrForbidden
	}

	return database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var role models.Role
		err := tx.QueryRowContext(ctx,
			`SELECT role FROM accounts WHERE username = $1 FOR UPDATE`,
			target).Scan(&role)
		if err != nil {
			if err == sql.ErrNoRows {
				return database.ErrAccountNotFound
			}
			return fmt.Errorf("lock account: %w", err)
		}

		if role.Protected() {
			return authz.ErrForbidden
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM accounts WHERE username = $1`, target); err != nil {
			if database.IsForeignKeyViolation(err) {
				return database.ErrAccountHasOrders
			}
			return fmt.Errorf("delete account: %w", err)
		}

		return nil
	})
}

func ListAccounts(ctx context.Context, db *sql.DB, actorRole models.Role, page, pageSize int) (*OffsetPage, error) {
	if err := authz.Require(actorRole, authz.ActionAccountAdmin); err != nil {
		return nil, err
	}

	var total int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts`).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("count accounts: %w", err)
	}

	offset := (page - 1) * pageSize
	query := `
		SELECT username, secret, role, display_name, created_at
		FROM accounts
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`

	rows, err := db.QueryContext(ctx, query, pageSize, offset)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		var account models.Account
		err := rows.Scan(
			&account.Username,
			&account.Secret,
			&account.Role,
			&account.DisplayName,
			&account.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, account)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return newOffsetPage(accounts, total, page, pageSize), nil
}
