package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/hitoshi/sangha/internal/auth"
	"github.com/hitoshi/sangha/internal/config"
	"github.com/hitoshi/sangha/internal/model"
	"github.com/hitoshi/sangha/internal/notify"
	"github.com/hitoshi/sangha/internal/security"
)

// userAction はCLIから実行できるユーザー操作。
type userAction string

const (
	actionApprove    userAction = "approve"
	actionRole       userAction = "role"
	actionActivate   userAction = "activate"
	actionDeactivate userAction = "deactivate"
)

// userAdmin はCLIのユーザー操作に必要なサービスインターフェース。
type userAdmin interface {
	FindByEmail(ctx context.Context, email string) (*model.User, error)
	Approve(ctx context.Context, userID string) (*model.User, error)
	SetRole(ctx context.Context, actorID, userID, role string) (*model.User, error)
	SetActive(ctx context.Context, actorID, userID string, active bool) (*model.User, error)
}

// compile-time interface check
var _ userAdmin = (*auth.Service)(nil)

// newUsersCommand はusersサブコマンドを構築する。
// 最初の管理者の作成など、HTTP APIを使えない場面での運用に使う。
func newUsersCommand(w io.Writer, loadConfig func(*cobra.Command, []string) error, currentConfig func() *config.Config) *cobra.Command {
	usersCmd := &cobra.Command{
		Use:               string(CommandUsers),
		Short:             "Administer user accounts",
		PersistentPreRunE: loadConfig,
	}

	run := func(action userAction) func(cmd *cobra.Command, args []string) error {
		return func(cmd *cobra.Command, args []string) error {
			svc, cl, err := openAdminService(cmd.Context(), currentConfig())
			if err != nil {
				return err
			}
			defer cl.closeAll()

			role := ""
			if action == actionRole {
				role = args[1]
			}
			return runUserAction(cmd.Context(), svc, w, action, args[0], role)
		}
	}

	usersCmd.AddCommand(
		&cobra.Command{
			Use:   "approve <email>",
			Short: "Approve a pending user",
			Args:  cobra.ExactArgs(1),
			RunE:  run(actionApprove),
		},
		&cobra.Command{
			Use:   "role <email> <admin|teacher|learner>",
			Short: "Change a user's role",
			Args:  cobra.ExactArgs(2),
			RunE:  run(actionRole),
		},
		&cobra.Command{
			Use:   "activate <email>",
			Short: "Reactivate a user",
			Args:  cobra.ExactArgs(1),
			RunE:  run(actionActivate),
		},
		&cobra.Command{
			Use:   "deactivate <email>",
			Short: "Deactivate a user",
			Args:  cobra.ExactArgs(1),
			RunE:  run(actionDeactivate),
		},
	)
	return usersCmd
}

// openAdminService はCLI用にストレージだけを開いた認証サービスを生成する。
func openAdminService(ctx context.Context, cfg *config.Config) (*auth.Service, closers, error) {
	var cl closers
	store, err := openStore(ctx, cfg, &cl)
	if err != nil {
		cl.closeAll()
		return nil, nil, err
	}
	tokens, err := newTokenIssuer(cfg)
	if err != nil {
		cl.closeAll()
		return nil, nil, err
	}
	svc := auth.NewService(auth.Dependencies{
		Store:     store,
		Hasher:    auth.NewHasher(cfg.BcryptCost),
		Tokens:    tokens,
		Notifier:  notify.NewLogNotifier(slog.Default()),
		Sanitizer: security.NewProfileSanitizer(),
		URLGuard:  security.NewOutboundGuard(),
	}, auth.ServiceConfig{FrontendURL: cfg.FrontendURL, ResetTokenTTL: cfg.ResetTokenTTL})
	return svc, cl, nil
}

// runUserAction はメールアドレスで対象ユーザーを特定し、actionを適用する。
// CLIからの操作は実行者を持たないため、自己変更の制限は適用されない。
func runUserAction(ctx context.Context, svc userAdmin, w io.Writer, action userAction, email, role string) error {
	target, err := svc.FindByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("failed to find user %s: %w", email, err)
	}

	var updated *model.User
	switch action {
	case actionApprove:
		updated, err = svc.Approve(ctx, target.ID)
	case actionRole:
		updated, err = svc.SetRole(ctx, "", target.ID, role)
	case actionActivate:
		updated, err = svc.SetActive(ctx, "", target.ID, true)
	case actionDeactivate:
		updated, err = svc.SetActive(ctx, "", target.ID, false)
	default:
		return fmt.Errorf("unknown user action %q", action)
	}
	if err != nil {
		return fmt.Errorf("failed to %s user %s: %w", action, email, err)
	}

	fmt.Fprintf(w, "%s: role=%s approved=%t active=%t\n",
		updated.Email, updated.Role, updated.IsApproved, updated.IsActive)
	return nil
}
