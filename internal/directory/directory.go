// Package directory manages study groups and their membership.
package directory

import (
	"context"
	"crypto/rand"
	"errors"
	"html"
	"math/big"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"studybuddy/internal/apperr"
	"studybuddy/internal/models"
	"studybuddy/internal/repositories"
)

const (
	codeAlphabet    = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeLength      = 6
	maxGroupNameLen = 100
)

var codePattern = regexp.MustCompile(`^[A-Z0-9]{6}$`)

// ErrCreatorNotMember is wrapped in the error CreateGroup returns when the
// group row was stored but the creator's membership was not.
var ErrCreatorNotMember = errors.New("group created but creator membership was not stored")

// Service implements group creation, join by code, leave and listing.
type Service struct {
	groups   repositories.GroupRepository
	policy   *bluemonday.Policy
	log      *zap.Logger
	randCode func() (string, error)
}

func NewService(groups repositories.GroupRepository, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		groups:   groups,
		policy:   bluemonday.StrictPolicy(),
		log:      log,
		randCode: GenerateCode,
	}
}

// GenerateCode draws six independent uniform characters from [A-Z0-9].
func GenerateCode() (string, error) {
	limit := big.NewInt(int64(len(codeAlphabet)))
	buf := make([]byte, codeLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		buf[i] = codeAlphabet[n.Int64()]
	}
	return string(buf), nil
}

// NormalizeCode trims and upper-cases a user-entered join code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// CreateGroup stores a new group and then the creator's membership. A code
// collision is reported, not retried. When only the membership insert fails
// the stored group is returned together with an error wrapping
// ErrCreatorNotMember; EnsureMembership repairs it.
func (s *Service) CreateGroup(ctx context.Context, name, creatorID string) (models.Group, error) {
	name = s.cleanName(name)
	if name == "" {
		return models.Group{}, apperr.Validation("group name is required")
	}
	if len([]rune(name)) > maxGroupNameLen {
		return models.Group{}, apperr.Validation("group name is too long")
	}

	code, err := s.randCode()
	if err != nil {
		return models.Group{}, apperr.Persistence("could not generate join code", err)
	}

	group, err := s.groups.CreateGroup(ctx, name, code, creatorID)
	if err != nil {
		if errors.Is(err, repositories.ErrDuplicateCode) {
			s.log.Warn("join code collision", zap.String("code", code))
			return models.Group{}, apperr.Persistence("join code collision, please try again", err)
		}
		return models.Group{}, apperr.Persistence("could not create group", err)
	}

	if err := s.groups.AddMember(ctx, group.ID, creatorID); err != nil {
		s.log.Error("creator membership insert failed", zap.String("group_id", group.ID), zap.Error(err))
		return group, apperr.Persistence("group created but you could not be added to it", errors.Join(ErrCreatorNotMember, err))
	}
	return group, nil
}

// EnsureMembership inserts the membership row if it is missing.
func (s *Service) EnsureMembership(ctx context.Context, groupID, userID string) error {
	member, err := s.groups.IsMember(ctx, groupID, userID)
	if err != nil {
		return apperr.Persistence("could not verify group membership", err)
	}
	if member {
		return nil
	}
	if err := s.groups.AddMember(ctx, groupID, userID); err != nil {
		return apperr.JoinFailed(err)
	}
	return nil
}

// JoinGroup adds userID to the group identified by code. Joining a group one
// already belongs to returns the group without writing.
func (s *Service) JoinGroup(ctx context.Context, code, userID string) (models.Group, error) {
	code = NormalizeCode(code)
	if code == "" {
		return models.Group{}, apperr.Validation("join code is required")
	}
	if !codePattern.MatchString(code) {
		return models.Group{}, apperr.Validation("join code must be 6 letters or digits")
	}

	group, err := s.groups.GetGroupByCode(ctx, code)
	if err != nil {
		if errors.Is(err, repositories.ErrGroupNotFound) {
			return models.Group{}, apperr.NotFound("no group with that code")
		}
		return models.Group{}, apperr.Persistence("could not look up group", err)
	}

	member, err := s.groups.IsMember(ctx, group.ID, userID)
	if err != nil {
		return models.Group{}, apperr.Persistence("could not verify group membership", err)
	}
	if member {
		return group, nil
	}

	if err := s.groups.AddMember(ctx, group.ID, userID); err != nil {
		s.log.Error("join insert failed", zap.String("group_id", group.ID), zap.Error(err))
		return models.Group{}, apperr.JoinFailed(err)
	}
	return group, nil
}

// LeaveGroup removes the membership row. Leaving a group one is not in is
// not an error.
func (s *Service) LeaveGroup(ctx context.Context, groupID, userID string) error {
	if err := s.groups.RemoveMember(ctx, groupID, userID); err != nil {
		return apperr.Persistence("could not leave group", err)
	}
	return nil
}

// ListMyGroups returns the user's groups, most recently joined first, each
// group at most once.
func (s *Service) ListMyGroups(ctx context.Context, userID string) ([]models.Group, error) {
	groups, err := s.groups.ListGroupsForUser(ctx, userID)
	if err != nil {
		return nil, apperr.Persistence("could not load groups", err)
	}

	out := make([]models.Group, 0, len(groups))
	seen := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		if _, ok := seen[g.ID]; ok {
			continue
		}
		seen[g.ID] = struct{}{}
		out = append(out, g)
	}
	return out, nil
}

// GetGroup returns a group the user belongs to.
func (s *Service) GetGroup(ctx context.Context, groupID, userID string) (models.Group, error) {
	member, err := s.groups.IsMember(ctx, groupID, userID)
	if err != nil {
		return models.Group{}, apperr.Persistence("could not verify group membership", err)
	}
	if !member {
		return models.Group{}, apperr.Unauthorized("you are not a member of this group")
	}
	group, err := s.groups.GetGroup(ctx, groupID)
	if err != nil {
		if errors.Is(err, repositories.ErrGroupNotFound) {
			return models.Group{}, apperr.NotFound("group not found")
		}
		return models.Group{}, apperr.Persistence("could not load group", err)
	}
	return group, nil
}

// MemberCount reports how many users belong to groupID.
func (s *Service) MemberCount(ctx context.Context, groupID string) (int, error) {
	n, err := s.groups.CountMembers(ctx, groupID)
	if err != nil {
		return 0, apperr.Persistence("could not count members", err)
	}
	return n, nil
}

func (s *Service) cleanName(name string) string {
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(name)))
}
