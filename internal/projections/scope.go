package projections

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/domain"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/models"
)

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// InScope restricts a query to rows whose path column equals scope or descends from it
func InScope(column, scope string) func(*gorm.DB) *gorm.DB {
	return InAnyScope(column, []string{scope})
}

// InAnyScope restricts a query to rows inside at least one of scopes. No scopes match nothing.
func InAnyScope(column string, scopes []string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if len(scopes) == 0 {
			return db.Where("1 = 0")
		}
		clauses := make([]string, 0, len(scopes))
		args := make([]interface{}, 0, 2*len(scopes))
		for _, scope := range scopes {
			clauses = append(clauses, fmt.Sprintf(`(%s = ? OR %s LIKE ? ESCAPE '\')`, column, column))
			args = append(args, scope, likeEscaper.Replace(scope)+domain.PathSeparator+"%")
		}
		return db.Where("("+strings.Join(clauses, " OR ")+")", args...)
	}
}

// Descendants restricts a query to rows strictly below scope
func Descendants(column, scope string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where(
			fmt.Sprintf(`%s LIKE ? ESCAPE '\'`, column),
			likeEscaper.Replace(scope)+domain.PathSeparator+"%",
		)
	}
}

// Units returns the active organization units visible from scope
func Units(ctx context.Context, db *gorm.DB, scope string) ([]models.OrganizationUnit, error) {
	var units []models.OrganizationUnit
	if err := db.WithContext(ctx).
		Scopes(InScope("path", scope)).
		Where("is_active = ?", true).
		Order("path ASC").
		Find(&units).Error; err != nil {
		return nil, fmt.Errorf("failed to list organization units: %w", err)
	}
	return units, nil
}

// ActiveDescendants counts active units strictly below path
func ActiveDescendants(ctx context.Context, db *gorm.DB, path string) (int64, error) {
	var count int64
	if err := db.WithContext(ctx).
		Model(&models.OrganizationUnit{}).
		Scopes(Descendants("path", path)).
		Where("is_active = ?", true).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count descendants of %s: %w", path, err)
	}
	return count, nil
}

// ActorScopes returns the scope paths granted to a user by active role assignments
func ActorScopes(ctx context.Context, db *gorm.DB, userID string) ([]string, error) {
	var scopes []string
	if err := db.WithContext(ctx).
		Model(&models.UserRole{}).
		Where("user_id = ? AND is_active = ?", userID, true).
		Distinct().
		Pluck("scope_path", &scopes).Error; err != nil {
		return nil, fmt.Errorf("failed to load scopes of user %s: %w", userID, err)
	}
	return scopes, nil
}

// CanAccess reports whether any of the user's scopes contains path
func CanAccess(ctx context.Context, db *gorm.DB, userID, path string) (bool, error) {
	scopes, err := ActorScopes(ctx, db, userID)
	if err != nil {
		return false, err
	}
	for _, scope := range scopes {
		if domain.PathContains(scope, path) {
			return true, nil
		}
	}
	return false, nil
}
