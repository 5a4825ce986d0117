package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"cortex/internal/logging"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "cortex.db"), logging.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConversationLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, "c-1", "homelab chat")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if conv.ID != "c-1" {
		t.Fatalf("id = %q", conv.ID)
	}

	// Memory state is created with the conversation at version 0.
	ms, err := s.GetMemoryState(ctx, "c-1")
	if err != nil {
		t.Fatalf("get memory state: %v", err)
	}
	if ms.Version != 0 || ms.UnobservedTokenCount != 0 {
		t.Fatalf("fresh memory state = %+v", ms)
	}

	if _, err := s.AppendMessage(ctx, "c-1", RoleUser, "hi"); err != nil {
		t.Fatalf("append user: %v", err)
	}
	if _, err := s.AppendMessage(ctx, "c-1", RoleAssistant, "hello"); err != nil {
		t.Fatalf("append assistant: %v", err)
	}

	msgs, err := s.ListMessages(ctx, "c-1", 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if msgs[0].Role != RoleUser || msgs[1].Role != RoleAssistant {
		t.Fatalf("roles out of order: %s, %s", msgs[0].Role, msgs[1].Role)
	}

	if err := s.DeleteConversation(ctx, "c-1"); err != nil {
		t.Fatalf("delete conversation: %v", err)
	}
	if _, err := s.GetConversation(ctx, "c-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := s.GetMemoryState(ctx, "c-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("memory state should cascade, got %v", err)
	}
}

func TestListMessagesWindowKeepsOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.CreateConversation(ctx, "c-1", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 6; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		if _, err := s.AppendMessage(ctx, "c-1", role, strings.Repeat("x", i+1)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	msgs, err := s.ListMessages(ctx, "c-1", 4)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("got %d messages", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].ID <= msgs[i-1].ID {
			t.Fatalf("window not ascending: %v", msgs)
		}
	}
	if len(msgs[0].Content) != 3 {
		t.Fatalf("window should start at third message, got %q", msgs[0].Content)
	}
}

func TestUpdateMemoryStateOptimisticLock(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.CreateConversation(ctx, "c-1", ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	tokens := 100
	var (
		wins int
		mu   sync.Mutex
		wg   sync.WaitGroup
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.UpdateMemoryState(ctx, "c-1", MemoryStatePatch{UnobservedTokenCount: &tokens}, 0)
			if err != nil {
				t.Errorf("update: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("exactly one concurrent update should win, got %d", wins)
	}
	ms, err := s.GetMemoryState(ctx, "c-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ms.Version != 1 || ms.UnobservedTokenCount != 100 {
		t.Fatalf("state after contention = %+v", ms)
	}

	// A stale expected version modifies nothing.
	ok, err := s.UpdateMemoryState(ctx, "c-1", MemoryStatePatch{UnobservedTokenCount: &tokens}, 0)
	if err != nil {
		t.Fatalf("stale update: %v", err)
	}
	if ok {
		t.Fatal("stale version must be rejected")
	}
}

func TestJobTerminalImmutability(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateJob(ctx, "j-1", JobTypeCommand, "dispatched", "agent"); err != nil {
		t.Fatalf("create job: %v", err)
	}

	steps := []JobUpdate{
		{Status: "received", WorkerID: "w-1"},
		{Status: "running", WorkerID: "w-1"},
		{Status: "completed", WorkerID: "w-1", Result: "ok", DurationMs: 12},
	}
	for _, u := range steps {
		applied, err := s.ApplyJobUpdate(ctx, "j-1", u)
		if err != nil {
			t.Fatalf("apply %s: %v", u.Status, err)
		}
		if !applied {
			t.Fatalf("update %s not applied", u.Status)
		}
	}

	// Terminal row rejects any further transition.
	applied, err := s.ApplyJobUpdate(ctx, "j-1", JobUpdate{Status: "failed", Error: "late"})
	if err != nil {
		t.Fatalf("late update: %v", err)
	}
	if applied {
		t.Fatal("terminal job must be immutable")
	}

	job, err := s.GetJob(ctx, "j-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != "completed" || job.Result != "ok" || job.Error != "" {
		t.Fatalf("row mutated after terminal: %+v", job)
	}
}

func TestListStaleJobs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateJob(ctx, "j-old", JobTypeAgent, "running", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.CreateJob(ctx, "j-new", JobTypeAgent, "running", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	// Backdate j-old past the idle threshold.
	if _, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET updated_at = ? WHERE job_id = 'j-old'`,
		time.Now().UTC().Add(-3*time.Minute)); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	stale, err := s.ListStaleJobs(ctx, time.Now().UTC().Add(-2*time.Minute))
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(stale) != 1 || stale[0].JobID != "j-old" {
		t.Fatalf("stale = %+v", stale)
	}
}

func TestScheduleRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	created, err := s.CreateSchedule(ctx, ScheduleRow{
		ID:       "s-1",
		Name:     "nightly check",
		CronExpr: "0 3 * * *",
		Type:     JobTypeCommand,
		Config:   map[string]any{"command": "df -h"},
		Enabled:  true,
	})
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	if !created.Enabled {
		t.Fatal("enabled flag lost")
	}

	got, err := s.GetSchedule(ctx, "s-1")
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if got.Config["command"] != "df -h" {
		t.Fatalf("config = %v", got.Config)
	}

	if err := s.RecordScheduleRun(ctx, "s-1", "dispatched", ""); err != nil {
		t.Fatalf("record run: %v", err)
	}
	got, err = s.GetSchedule(ctx, "s-1")
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if got.LastRunAt == nil || got.LastStatus != "dispatched" {
		t.Fatalf("run not recorded: %+v", got)
	}
}

func TestScheduleCorruptConfigDecodesEmpty(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.CreateSchedule(ctx, ScheduleRow{
		ID: "s-1", Name: "x", CronExpr: "* * * * *", Type: JobTypeAgent, Enabled: true,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE schedules SET config = 'not-json' WHERE id = 's-1'`); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	got, err := s.GetSchedule(ctx, "s-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Config == nil || len(got.Config) != 0 {
		t.Fatalf("corrupt config should decode empty, got %v", got.Config)
	}
}

func TestSkillRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateSkill(ctx, SkillRow{
		ID:           "weather",
		Name:         "Weather",
		Tier:         TierStdio,
		Enabled:      true,
		Owner:        OwnerAgent,
		StdioCommand: "weather-mcp",
		StdioArgs:    []string{"--units", "metric"},
	}); err != nil {
		t.Fatalf("create skill: %v", err)
	}

	got, err := s.GetSkill(ctx, "weather")
	if err != nil {
		t.Fatalf("get skill: %v", err)
	}
	if got.Owner != OwnerAgent || got.Tier != TierStdio {
		t.Fatalf("skill = %+v", got)
	}
	if len(got.StdioArgs) != 2 || got.StdioArgs[1] != "metric" {
		t.Fatalf("stdio args = %v", got.StdioArgs)
	}

	got.Enabled = false
	if _, err := s.UpdateSkill(ctx, *got); err != nil {
		t.Fatalf("update skill: %v", err)
	}
	enabled, err := s.ListSkills(ctx, true)
	if err != nil {
		t.Fatalf("list skills: %v", err)
	}
	if len(enabled) != 0 {
		t.Fatalf("disabled skill still listed: %+v", enabled)
	}
}

func TestHandoffNoteLatestWins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateHandoffNote(ctx, HandoffNote{
		ID: "h-1", FromVersion: "1.0.0",
		ActiveConversations: []string{"c-1"},
	}); err != nil {
		t.Fatalf("create note: %v", err)
	}
	if _, err := s.CreateHandoffNote(ctx, HandoffNote{
		ID: "h-2", FromVersion: "1.0.1",
		PendingSchedules: []string{"s-1", "s-2"},
	}); err != nil {
		t.Fatalf("create note: %v", err)
	}

	latest, err := s.LatestHandoffNote(ctx)
	if err != nil {
		t.Fatalf("latest note: %v", err)
	}
	if latest.ID != "h-2" {
		t.Fatalf("latest = %q", latest.ID)
	}
	if len(latest.PendingSchedules) != 2 {
		t.Fatalf("schedules = %v", latest.PendingSchedules)
	}
}

func TestChangelogDeliveredOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertChangelog(ctx, "1.2.0", "faster memory search"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	entry, err := s.NextUndeliveredChangelog(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if entry.Version != "1.2.0" {
		t.Fatalf("entry = %+v", entry)
	}
	if err := s.MarkChangelogDelivered(ctx, "1.2.0"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if _, err := s.NextUndeliveredChangelog(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no undelivered entries, got %v", err)
	}
}

func TestSecretsMaskedInJSON(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.PutSecret(ctx, "OPENAI_API_KEY", "sk-proj-abcdef987654"); err != nil {
		t.Fatalf("put: %v", err)
	}
	secrets, err := s.ListSecrets(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	data, err := json.Marshal(secrets)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), "sk-proj-abcdef987654") {
		t.Fatalf("raw secret leaked: %s", data)
	}
	if !strings.Contains(string(data), "****7654") {
		t.Fatalf("masked tail missing: %s", data)
	}
}

func TestMemoryRowsFilterByCategory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.InsertMemory(ctx, "m-1", "prefers metric units", "preferences"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.InsertMemory(ctx, "m-2", "NAS lives at 10.0.0.4", "homelab"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	// Empty category defaults to general.
	if _, err := s.InsertMemory(ctx, "m-3", "likes espresso", ""); err != nil {
		t.Fatalf("insert: %v", err)
	}

	all, err := s.ListMemories(ctx, "", 0)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d memories", len(all))
	}

	homelab, err := s.ListMemories(ctx, "homelab", 0)
	if err != nil {
		t.Fatalf("list homelab: %v", err)
	}
	if len(homelab) != 1 || homelab[0].ID != "m-2" {
		t.Fatalf("homelab = %+v", homelab)
	}

	got, err := s.GetMemory(ctx, "m-3")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Category != "general" {
		t.Fatalf("category = %q", got.Category)
	}

	if err := s.DeleteMemory(ctx, "m-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteMemory(ctx, "m-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete should be not found, got %v", err)
	}
}

func TestTaskPodRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateTaskPod(ctx, TaskPodRow{
		TaskID:  "t-1",
		Toolbox: "media",
		Mode:    TaskModeScript,
		Goal:    "reindex library",
		Mounts:  []string{"/data/media"},
		JobName: "cortex-task-t-1",
		Status:  "running",
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := s.FinishTaskPod(ctx, "t-1", "completed", "done", "", 1500, []string{"/data/media/index.db"}, "trace-1"); err != nil {
		t.Fatalf("finish: %v", err)
	}
	got, err := s.GetTaskPod(ctx, "t-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != "completed" || got.DurationMs != 1500 {
		t.Fatalf("row = %+v", got)
	}
	if len(got.FilesChanged) != 1 {
		t.Fatalf("files changed = %v", got.FilesChanged)
	}
}
