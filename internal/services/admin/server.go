package adminservice

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/niczy/gitsubmit/internal/models"
	"github.com/niczy/gitsubmit/internal/repo"
	"github.com/niczy/gitsubmit/internal/server"
	"github.com/niczy/gitsubmit/internal/services/wire"
	"github.com/niczy/gitsubmit/internal/storage"
	"github.com/niczy/gitsubmit/internal/submodule"
)

// indexRebuilder is implemented by storage backends that keep derived indexes.
type indexRebuilder interface {
	RebuildIndexes(ctx context.Context) error
}

type adminServiceServer struct {
	stack *server.Stack
	// mu serializes id allocation in CreateChange.
	mu sync.Mutex
}

func newAdminServiceServer(stack *server.Stack) *adminServiceServer {
	return &adminServiceServer{stack: stack}
}

// NewGRPCServer constructs a gRPC server for the admin service backed by stack.
func NewGRPCServer(stack *server.Stack, opts ...grpc.ServerOption) *grpc.Server {
	srv := grpc.NewServer(opts...)
	RegisterAdminServiceServer(srv, newAdminServiceServer(stack))
	return srv
}

// NewService constructs the admin service implementation for use without gRPC.
func NewService(stack *server.Stack) AdminServiceServer {
	return newAdminServiceServer(stack)
}

func (s *adminServiceServer) CreateChange(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req CreateChangeRequest
	if err := wire.Decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	log.Info().Str("project", req.Project).Str("branch", req.Branch).Str("commit", req.Commit).Msg("CreateChange called")

	if req.Project == "" || req.Branch == "" || req.Commit == "" {
		return nil, status.Error(codes.InvalidArgument, "project, branch and commit are required")
	}
	r, err := s.stack.Repos.Open(req.Project)
	if err != nil {
		return nil, status.Error(codes.NotFound, fmt.Sprintf("project not found: %s", req.Project))
	}
	commit := plumbing.NewHash(req.Commit)
	c, err := r.Commit(commit)
	if err != nil {
		return nil, status.Error(codes.NotFound, fmt.Sprintf("commit not found: %s", req.Commit))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id := req.ID
	if id == "" {
		if id, err = s.nextID(ctx); err != nil {
			return nil, status.Error(codes.Internal, fmt.Sprintf("failed to allocate change id: %v", err))
		}
	}
	now := time.Now().UTC()
	change := &models.Change{
		ID:           id,
		Key:          "I" + commit.String(),
		Project:      req.Project,
		Branch:       models.FullBranchName(req.Branch),
		Status:       models.ChangeStatusNew,
		Topic:        req.Topic,
		Owner:        req.Owner,
		Subject:      repo.Subject(c.Message),
		PatchSets:    []*models.PatchSet{{Number: 1, Commit: commit.String(), Uploader: req.Owner, CreatedAt: now}},
		SubmitRecord: req.Record,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.stack.Storage.CreateChange(ctx, change); err != nil {
		if errors.Is(err, storage.ErrChangeExists) {
			return nil, status.Error(codes.AlreadyExists, fmt.Sprintf("change already exists: %s", id))
		}
		return nil, status.Error(codes.Internal, fmt.Sprintf("failed to create change: %v", err))
	}
	return encode(&CreateChangeResponse{Change: change})
}

// nextID returns one more than the largest numeric change id.
func (s *adminServiceServer) nextID(ctx context.Context) (string, error) {
	changes, err := s.stack.Storage.ListChanges(ctx, models.ChangeFilter{})
	if err != nil {
		return "", err
	}
	highest := 0
	for _, ch := range changes {
		if n, err := strconv.Atoi(ch.ID); err == nil && n > highest {
			highest = n
		}
	}
	return strconv.Itoa(highest + 1), nil
}

func (s *adminServiceServer) ListChanges(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ListChangesRequest
	if err := wire.Decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	log.Info().Str("project", req.Project).Str("status", req.Status).Int("limit", req.Limit).Msg("ListChanges called")

	filter := models.ChangeFilter{Project: req.Project, Topic: req.Topic, Limit: req.Limit}
	if req.Branch != "" {
		filter.Branch = models.FullBranchName(req.Branch)
	}
	if req.Status != "" {
		st, err := models.ParseChangeStatus(req.Status)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		filter.Status = &st
	}
	changes, err := s.stack.Storage.ListChanges(ctx, filter)
	if err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("failed to list changes: %v", err))
	}
	if changes == nil {
		changes = []*models.Change{}
	}
	return encode(&ListChangesResponse{Changes: changes})
}

func (s *adminServiceServer) ValidateSubscriptions(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	log.Info().Msg("ValidateSubscriptions called")

	err := s.stack.Coordinator.Subscriptions().Validate(ctx)
	var cycle *submodule.CycleError
	switch {
	case err == nil:
		return encode(&ValidateSubscriptionsResponse{Valid: true})
	case errors.As(err, &cycle):
		return encode(&ValidateSubscriptionsResponse{Error: cycle.Error()})
	}
	return nil, status.Error(codes.Internal, fmt.Sprintf("failed to validate subscriptions: %v", err))
}

func (s *adminServiceServer) RebuildIndexes(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	log.Info().Msg("RebuildIndexes called")

	rb, ok := s.stack.Storage.(indexRebuilder)
	if !ok {
		return encode(&RebuildIndexesResponse{})
	}
	if err := rb.RebuildIndexes(ctx); err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("failed to rebuild indexes: %v", err))
	}
	return encode(&RebuildIndexesResponse{Rebuilt: true})
}

func (s *adminServiceServer) AutoMergeDiff(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req AutoMergeDiffRequest
	if err := wire.Decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	log.Info().Str("project", req.Project).Str("commit", req.Commit).Msg("AutoMergeDiff called")

	r, err := s.stack.Repos.Open(req.Project)
	if err != nil {
		return nil, status.Error(codes.NotFound, fmt.Sprintf("project not found: %s", req.Project))
	}
	commit := plumbing.NewHash(req.Commit)
	if !r.HasCommit(commit) {
		return nil, status.Error(codes.NotFound, fmt.Sprintf("commit not found: %s", req.Commit))
	}
	diff, err := s.stack.AutoMerge.Diff(ctx, r, commit)
	if err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("failed to compute diff: %v", err))
	}
	resp := &AutoMergeDiffResponse{Commit: diff.Commit.String(), Paths: diff.Paths}
	if !diff.Base.IsZero() {
		resp.Base = diff.Base.String()
	}
	if resp.Paths == nil {
		resp.Paths = []string{}
	}
	return encode(resp)
}

func (s *adminServiceServer) WatchSubmissions(in *structpb.Struct, stream grpc.ServerStream) error {
	var req WatchSubmissionsRequest
	if err := wire.Decode(in, &req); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	log.Info().Str("project", req.Project).Str("change", req.ChangeID).Msg("WatchSubmissions called")

	feed, cancel := s.stack.Events.Subscribe()
	defer cancel()
	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-feed:
			if !ok {
				return nil
			}
			if req.Project != "" && evt.Project != req.Project {
				continue
			}
			if req.ChangeID != "" && evt.ChangeID != req.ChangeID {
				continue
			}
			out, err := wire.Encode(evt)
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			if err := stream.SendMsg(out); err != nil {
				return status.Error(codes.Unavailable, fmt.Sprintf("failed to stream event: %v", err))
			}
		}
	}
}

func encode(v any) (*structpb.Struct, error) {
	out, err := wire.Encode(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}
