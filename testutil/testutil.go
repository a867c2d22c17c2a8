// Package testutil wires the in-memory stack used by the package tests.
package testutil

import (
	"context"
	"net/mail"
	"sync"
	"testing"
	"time"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/approval"
	"github.com/trezcool/shule/core/audit"
	"github.com/trezcool/shule/core/user"
	"github.com/trezcool/shule/core/version"
	blobsvc "github.com/trezcool/shule/services/blob"
	emailsvc "github.com/trezcool/shule/services/email"
	logsvc "github.com/trezcool/shule/services/logger"
	metricsvc "github.com/trezcool/shule/services/metrics"
	dummydb "github.com/trezcool/shule/storage/database/dummy"
)

const SecretKey = "test-secret-key"

// NewConfig returns a test configuration. Business hours span the whole day so that
// the off-hours heuristic never fires unless a test narrows them.
func NewConfig() *core.Config {
	return &core.Config{
		AppName:          "Shule",
		Env:              "test",
		Build:            "test",
		TestMode:         true,
		WorkDir:          core.Getwd(),
		SecretKey:        SecretKey,
		DefaultFromEmail: mail.Address{Name: "Shule", Address: "noreply@shule.test"},
		FrontendBaseURL:  "http://localhost:3000",
		Server: core.ServerConfig{
			ShutdownTimeout:           time.Second,
			JWTExpirationDelta:        time.Hour,
			JWTRefreshExpirationDelta: 24 * time.Hour,
		},
		Approval: core.ApprovalConfig{
			SLA:           72 * time.Hour,
			MaxEscalation: int(approval.MaxEscalationLevel),
		},
		Audit: core.AuditConfig{
			BusinessHoursStart: 0,
			BusinessHoursEnd:   0,
			Location:           time.UTC,
		},
		Blob: core.BlobConfig{Driver: "disk"},
	}
}

// Notifications records every notification before passing it on.
type Notifications struct {
	mu    sync.Mutex
	next  core.Notifier
	items []core.Notification
}

var _ core.Notifier = (*Notifications)(nil)

func (n *Notifications) Notify(ctx context.Context, notif core.Notification) error {
	n.mu.Lock()
	n.items = append(n.items, notif)
	n.mu.Unlock()
	if n.next == nil {
		return nil
	}
	return n.next.Notify(ctx, notif)
}

// Events lists the recorded events, oldest first.
func (n *Notifications) Events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	events := make([]string, 0, len(n.items))
	for _, item := range n.items {
		events = append(events, item.Event)
	}
	return events
}

func (n *Notifications) All() []core.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	all := make([]core.Notification, len(n.items))
	copy(all, n.items)
	return all
}

func (n *Notifications) Reset() {
	n.mu.Lock()
	n.items = nil
	n.mu.Unlock()
}

// Env is a fully wired in-memory application.
type Env struct {
	Conf       *core.Config
	Logger     core.Logger
	DB         *dummydb.DB
	Validate   *validator.Validate
	Translator ut.Translator
	Metrics    *metricsvc.Prometheus
	Notifier   *Notifications
	Blobs      core.BlobStore

	UserRepo     user.Repository
	ApprovalRepo approval.Repository
	AuditRepo    audit.Repository
	VersionRepo  version.Repository

	UserSvc     *user.Service
	AuditSvc    *audit.Service
	VersionSvc  *version.Service
	ApprovalSvc *approval.Service
}

// NewEnv wires every service on a fresh in-memory database. conf may be nil.
func NewEnv(t *testing.T, conf *core.Config) *Env {
	t.Helper()
	if conf == nil {
		conf = NewConfig()
	}
	if conf.Blob.Dir == "" {
		conf.Blob.Dir = t.TempDir()
	}

	db, err := dummydb.Open()
	if err != nil {
		t.Fatalf("dummydb.Open() failed: %v", err)
	}
	blobs, err := blobsvc.NewDisk(conf.Blob.Dir)
	if err != nil {
		t.Fatalf("blobsvc.NewDisk() failed: %v", err)
	}

	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	user.InitValidators(validate, translator)
	approval.InitValidators(validate, translator)

	env := &Env{
		Conf:         conf,
		Logger:       logsvc.NewNopLogger(),
		DB:           db,
		Validate:     validate,
		Translator:   translator,
		Metrics:      metricsvc.NewPrometheus(),
		Blobs:        blobs,
		UserRepo:     dummydb.NewUserRepository(db),
		ApprovalRepo: dummydb.NewApprovalRepository(db),
		AuditRepo:    dummydb.NewAuditRepository(db),
		VersionRepo:  dummydb.NewVersionRepository(db),
	}
	env.UserSvc = user.NewService(env.UserRepo)
	env.Notifier = &Notifications{
		next: emailsvc.NewNotifier(env.UserSvc, emailsvc.NewConsoleServiceMock(conf, env.Logger)),
	}
	env.AuditSvc = audit.NewService(conf, env.Logger, env.AuditRepo, env.Notifier, env.Metrics)
	env.VersionSvc = version.NewService(env.VersionRepo, env.AuditSvc, env.Metrics)
	env.ApprovalSvc = approval.NewService(
		conf,
		env.Logger,
		env.ApprovalRepo,
		env.UserSvc,
		env.AuditSvc,
		env.VersionSvc,
		approval.NewRoleResolver(env.UserSvc),
		env.Notifier,
		env.Blobs,
		env.Metrics,
	)
	return env
}

func CreateUser(
	t *testing.T,
	repo user.Repository,
	name, uname, email, pwd string,
	roles []string,
	isActive bool,
	createdAt ...time.Time,
) user.User {
	t.Helper()
	tstamp := time.Now().UTC()
	if len(createdAt) > 0 {
		tstamp = createdAt[0].UTC()
	}
	usr := user.User{
		Name:      name,
		Username:  uname,
		Email:     email,
		Roles:     roles,
		IsActive:  isActive,
		CreatedAt: tstamp,
		UpdatedAt: tstamp,
	}
	if pwd != "" {
		if err := usr.SetPassword(pwd); err != nil {
			t.Fatalf("createUser() failed: %v", err)
		}
	}
	usr, err := repo.CreateUser(context.Background(), usr)
	if err != nil {
		t.Fatalf("createUser() failed: %v", err)
	}
	return usr
}

// RC is the request context of usr calling from origin.
func RC(usr user.User, origin ...string) core.RequestContext {
	rc := core.RequestContext{
		ActorID:   usr.ID,
		Roles:     usr.Roles,
		Origin:    "10.0.0.1",
		UserAgent: "go-test",
		SessionID: "session-" + usr.Username,
	}
	if len(origin) > 0 {
		rc.Origin = origin[0]
	}
	return rc
}

// School holds one user per workflow role.
type School struct {
	Teacher, Teacher2, HOD, HOD2, Coordinator, Principal, Owner, Student user.User
}

// CreateSchool creates the staff of a school. Approvers are created oldest first
// so that role resolution is deterministic.
func CreateSchool(t *testing.T, repo user.Repository) School {
	t.Helper()
	base := time.Now().UTC().Add(-time.Hour)
	at := func(i int) time.Time { return base.Add(time.Duration(i) * time.Minute) }
	return School{
		HOD:         CreateUser(t, repo, "Head", "hod", "hod@shule.test", "", []string{user.RoleTeacherHOD}, true, at(0)),
		Coordinator: CreateUser(t, repo, "Coord", "coord", "coord@shule.test", "", []string{user.RoleTeacherCoordinator}, true, at(1)),
		Principal:   CreateUser(t, repo, "Principal", "principal", "principal@shule.test", "", []string{user.RoleAdminPrincipal}, true, at(2)),
		Owner:       CreateUser(t, repo, "Owner", "owner", "owner@shule.test", "", []string{user.RoleAdminOwner}, true, at(3)),
		HOD2:        CreateUser(t, repo, "Head Two", "hod2", "hod2@shule.test", "", []string{user.RoleTeacherHOD}, true, at(4)),
		Teacher:     CreateUser(t, repo, "Teacher", "teacher", "teacher@shule.test", "", []string{user.RoleTeacher}, true, at(5)),
		Teacher2:    CreateUser(t, repo, "Teacher Two", "teacher2", "teacher2@shule.test", "", []string{user.RoleTeacher}, true, at(6)),
		Student:     CreateUser(t, repo, "Student", "student", "student@shule.test", "", []string{user.RoleStudent}, true, at(7)),
	}
}
