package auth

import (
	"testing"

	"github.com/hitoshi/sangha/internal/model"
)

func TestAuthorizer_Allowed(t *testing.T) {
	a, err := NewAuthorizer()
	if err != nil {
		t.Fatalf("NewAuthorizer failed: %v", err)
	}

	allowed := map[model.Role][]Action{
		model.RoleLearner: {ActionPostDiscussion},
		model.RoleTeacher: {ActionPostDiscussion, ActionScheduleSatsang, ActionPublishLearning},
		model.RoleAdmin:   Actions(),
	}
	for role, actions := range allowed {
		permitted := map[Action]bool{}
		for _, action := range actions {
			permitted[action] = true
		}
		for _, action := range Actions() {
			if got := a.Allowed(role, action); got != permitted[action] {
				t.Errorf("Allowed(%s, %s) = %v, want %v", role, action, got, permitted[action])
			}
		}
	}
}

func TestAuthorizer_UnknownRoleAndAction(t *testing.T) {
	a, err := NewAuthorizer()
	if err != nil {
		t.Fatalf("NewAuthorizer failed: %v", err)
	}
	if a.Allowed(model.Role("guru"), ActionPostDiscussion) {
		t.Error("unknown role allowed")
	}
	if a.Allowed(model.Role(""), ActionPostDiscussion) {
		t.Error("empty role allowed")
	}
	if a.Allowed(model.RoleAdmin, Action("users:delete")) {
		t.Error("unknown action allowed")
	}
}
