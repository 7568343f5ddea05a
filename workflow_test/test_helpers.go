package workflow

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/niczy/gitsubmit/internal/config"
	"github.com/niczy/gitsubmit/internal/models"
	"github.com/niczy/gitsubmit/internal/project"
	"github.com/niczy/gitsubmit/internal/repo/repotest"
	"github.com/niczy/gitsubmit/internal/server"
	adminservice "github.com/niczy/gitsubmit/internal/services/admin"
	submitservice "github.com/niczy/gitsubmit/internal/services/submit"
)

const (
	bufSize = 1 << 20
	master  = "refs/heads/master"
)

// harness runs both services in-process over bufconn against one shared stack.
type harness struct {
	stack  *server.Stack
	env    *repotest.Env
	submit *submitservice.Client
	admin  *adminservice.Client
}

func serve(t *testing.T, srv *grpc.Server) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(bufSize)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func newHarness(t *testing.T, projectsYAML string, mutate func(*config.Config, *server.Options)) *harness {
	t.Helper()
	set, err := project.Parse([]byte(projectsYAML))
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Submit.MaxAttempts = 3
	cfg.Submit.LockTimeout = 10 * time.Second
	opts := server.Options{Projects: project.NewStaticProvider(set)}
	if mutate != nil {
		mutate(cfg, &opts)
	}
	stack, err := server.Build(context.Background(), cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = stack.Close() })

	return &harness{
		stack:  stack,
		env:    &repotest.Env{T: t, Manager: stack.Repos, Refs: stack.Refs},
		submit: submitservice.NewClient(serve(t, submitservice.NewGRPCServer(stack))),
		admin:  adminservice.NewClient(serve(t, adminservice.NewGRPCServer(stack))),
	}
}

// seed creates a project whose master holds one commit.
func (h *harness) seed(name string) (*repotest.Builder, plumbing.Hash) {
	b := h.env.Project(name)
	base := b.Commit("base", nil, map[string]string{"README": "hello\n", "shared.txt": "a\nb\nc\n"})
	b.SetBranch(master, base)
	return b, base
}

func (h *harness) createChange(t *testing.T, project string, commit plumbing.Hash, topic string) string {
	t.Helper()
	resp, err := h.admin.CreateChange(context.Background(), &adminservice.CreateChangeRequest{
		Project: project,
		Branch:  "master",
		Topic:   topic,
		Owner:   "alice",
		Commit:  commit.String(),
		Record:  models.SubmitRecord{Submittable: true},
	})
	require.NoError(t, err)
	return resp.Change.ID
}
