package auth

import (
	_ "embed"
	"fmt"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	stringadapter "github.com/casbin/casbin/v2/persist/string-adapter"

	appmodel "github.com/hitoshi/sangha/internal/model"
)

//go:embed model.conf
var casbinModelContent string

//go:embed policy.csv
var casbinPolicyContent string

// Action は権限チェック対象の操作。列挙値以外は常に拒否される。
type Action string

const (
	ActionApproveUsers     Action = "users:approve"
	ActionManageRoles      Action = "users:manage-role"
	ActionManageActive     Action = "users:manage-active"
	ActionListPendingUsers Action = "users:list-pending"
	ActionScheduleSatsang  Action = "satsang:schedule"
	ActionPublishLearning  Action = "learning:publish"
	ActionPostDiscussion   Action = "discussion:post"
)

// Actions は定義済みの全操作を返す。
func Actions() []Action {
	return []Action{
		ActionApproveUsers,
		ActionManageRoles,
		ActionManageActive,
		ActionListPendingUsers,
		ActionScheduleSatsang,
		ActionPublishLearning,
		ActionPostDiscussion,
	}
}

// Authorizer はロールと操作の組に対する許可を判定する。
// ポリシーは埋め込みのcasbin RBACモデルで、admin ⊇ teacher ⊇ learner の継承を持つ。
type Authorizer struct {
	enforcer *casbin.SyncedEnforcer
}

// NewAuthorizer は埋め込みポリシーでAuthorizerを生成する。
func NewAuthorizer() (*Authorizer, error) {
	m, err := model.NewModelFromString(casbinModelContent)
	if err != nil {
		return nil, fmt.Errorf("parse casbin model: %w", err)
	}

	enforcer, err := casbin.NewSyncedEnforcer(m, stringadapter.NewAdapter(casbinPolicyContent))
	if err != nil {
		return nil, fmt.Errorf("create casbin enforcer: %w", err)
	}
	return &Authorizer{enforcer: enforcer}, nil
}

// Allowed はroleがactionを実行できるかを返す。
func (a *Authorizer) Allowed(role appmodel.Role, action Action) bool {
	if _, err := appmodel.ParseRole(string(role)); err != nil {
		return false
	}
	ok, err := a.enforcer.Enforce(roleSubject(role), string(action))
	if err != nil {
		return false
	}
	return ok
}

func roleSubject(role appmodel.Role) string {
	return "role:" + string(role)
}
