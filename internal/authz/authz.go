// Package authz defines the permission matrix consulted by every mutating
// operation. The matrix is defined once so it can be tested in isolation
// instead of being scattered across call sites.
package authz

import (
	"errors"

	"github.com/safar/go-marketplace/internal/models"
)

var ErrForbidden = errors.New("forbidden")

type Action string

const (
	ActionCatalogWrite   Action = "catalog:write"
	ActionOrderSetStatus Action = "order:set-status"
	ActionOrderListAll   Action = "order:list-all"
	ActionAccountAdmin   Action = "account:admin"
	ActionCheckout       Action = "order:checkout"
	ActionPlaceBid       Action = "auction:bid"
)

var policy = map[Action][]models.Role{
	ActionCatalogWrite:   {models.RoleSeller, models.RoleManager, models.RoleAdmin},
	ActionOrderSetStatus: {models.RoleManager, models.RoleAdmin},
	ActionOrderListAll:   {models.RoleManager, models.RoleAdmin},
	ActionAccountAdmin:   {models.RoleAdmin},
	ActionCheckout:       {models.RoleCustomer, models.RoleSeller, models.RoleManager, models.RoleAdmin},
	ActionPlaceBid:       {models.RoleCustomer, models.RoleSeller, models.RoleManager, models.RoleAdmin},
}

func Can(role models.Role, action Action) bool {
	for _, allowed := range policy[action] {
		if role == allowed {
			return true
		}
	}
	return false
}

// Require returns ErrForbidden if the role may not perform the action.
// Called before any state is touched, so a denied call has no side effects.
func Require(role models.Role, action Action) error {
	if !Can(role, action) {
		return ErrForbidden
	}
	return nil
}
