package spawner

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opsbutler/butler/common/crypto"
	"github.com/opsbutler/butler/internal/approvals"
	"github.com/opsbutler/butler/internal/executor"
	"github.com/opsbutler/butler/internal/identity"
	"github.com/opsbutler/butler/internal/module"
	"github.com/opsbutler/butler/internal/scheduler"
	"github.com/opsbutler/butler/internal/spawner/runtime"
	"github.com/opsbutler/butler/internal/switchboard"
)

// defaultPersona is the static part of every worker's system prompt; it never
// changes per-session.
const defaultPersona = "You are the butler's worker process for this turn. Use only the tools offered to you."

// Backend is satisfied by any runtime.Backend implementation
// (subprocess.Backend, docker.Backend, ...).
type Backend interface {
	Run(ctx context.Context, spec runtime.Spec) (runtime.Result, error)
}

// Spawner implements the worker spawn lifecycle. It is the sole
// component authorized to create Session rows; the scheduler and
// switchboard both depend on it through their own narrow Spawner
// interfaces (scheduler.Spawner, switchboard.Spawner) to avoid import
// cycles, and both are satisfied by this type's SpawnForSchedule /
// SpawnForIngest methods.
type Spawner struct {
	sessions  *Store
	registry  *module.Registry
	gate      *approvals.Gate
	execs     *executor.Registry
	backend   Backend
	butler    string
	workerCmd []string
	log       *slog.Logger

	resolver  *identity.Resolver
	masterKey []byte
}

// Config configures a Spawner for one butler instance.
type Config struct {
	Butler     string
	WorkerCmd  []string // argv of the documented worker entrypoint
	Registry   *module.Registry
	Gate       *approvals.Gate
	Executors  *executor.Registry
	Backend    Backend
	Log        *slog.Logger

	// Resolver and MasterKey back credential resolution (resolveCredential):
	// a credential name is looked up as a secured channel on the owner
	// contact, keyed by channel_type == credential name, and its
	// channel_value (hex AES-256-GCM ciphertext) decrypted with MasterKey.
	// Both are optional; a nil Resolver or empty MasterKey makes
	// resolveCredential fail-open to an empty value, same as an unset env
	// var elsewhere in this codebase.
	Resolver  *identity.Resolver
	MasterKey []byte
}

// New creates a Spawner.
func New(sessions *Store, cfg Config) *Spawner {
	return &Spawner{
		sessions:  sessions,
		registry:  cfg.Registry,
		gate:      cfg.Gate,
		execs:     cfg.Executors,
		backend:   cfg.Backend,
		butler:    cfg.Butler,
		workerCmd: cfg.WorkerCmd,
		log:       cfg.Log,
		resolver:  cfg.Resolver,
		masterKey: cfg.MasterKey,
	}
}

// Manifest is the composed tool list + credentials environment a worker
// receives.
type Manifest struct {
	Tools       map[string]module.ToolDescriptor
	Credentials map[string]string
}

// ComposeManifest unions every loaded module's tools and resolves the
// declared credential env vars. credentialSource supplies secured
// contact_channels values on demand; it is never logged.
func (s *Spawner) ComposeManifest(ctx context.Context, credentialSource func(ctx context.Context, name string) (string, error)) (*Manifest, error) {
	tools := s.registry.Tools()
	creds := map[string]string{}
	for _, name := range s.registry.CredentialsEnv() {
		val, err := credentialSource(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("resolve credential %s: %w", name, err)
		}
		creds[name] = val
	}
	return &Manifest{Tools: tools, Credentials: creds}, nil
}

// composeSystemPrompt builds static persona ⊕ memory context ⊕ identity
// preamble. Memory lookup is fail-open: with no memory module loaded the
// block is omitted, and a Context error degrades to an empty block with a
// logged warning, never a blocked spawn.
func (s *Spawner) composeSystemPrompt(ctx context.Context, prompt, identityPreamble string) string {
	var b strings.Builder
	b.WriteString(defaultPersona)
	b.WriteString("\n\n")

	if mem := s.registry.Memory(); mem != nil {
		memCtx, err := mem.Context(ctx, prompt, s.butler)
		if err != nil {
			s.log.Warn("spawner: memory context lookup failed, proceeding without it", "error", err)
		} else if memCtx != "" {
			b.WriteString(memCtx)
			b.WriteString("\n\n")
		}
	}

	if identityPreamble != "" {
		b.WriteString(identityPreamble)
		b.WriteString("\n")
	}
	b.WriteString(prompt)
	return b.String()
}

// spawnPayload is the JSON document written to the worker's stdin: the
// composed system prompt plus the local tool-dispatch endpoint it must call
// for every tool invocation.
type spawnPayload struct {
	SystemPrompt string `json:"system_prompt"`
	DispatchURL  string `json:"dispatch_url"`
	SessionID    string `json:"session_id"`
}

// spawn is the shared implementation behind SpawnForIngest, SpawnForSchedule,
// and a future manual-trigger entrypoint — every trigger kind funnels
// through here: the spawner is the only component authorized to
// create sessions.
func (s *Spawner) spawn(ctx context.Context, trigger Trigger, credentialSource func(ctx context.Context, name string) (string, error)) (string, error) {
	if trigger.SessionID == "" {
		trigger.SessionID = uuid.NewString()
	}
	startedAt := time.Now().UTC()

	if err := s.sessions.Create(ctx, &Session{
		SessionID:   trigger.SessionID,
		Butler:      s.butler,
		TriggerKind: trigger.Kind,
		StartedAt:   startedAt,
		InputPrompt: trigger.Prompt,
	}); err != nil {
		return "", fmt.Errorf("spawn: create session: %w", err)
	}

	summary, spawnErr := s.runWorker(ctx, trigger, credentialSource)

	endedAt := time.Now().UTC()
	errMsg := ""
	if spawnErr != nil {
		errMsg = spawnErr.Error()
	}
	if err := s.sessions.Finish(ctx, trigger.SessionID, endedAt, summary, errMsg, 0); err != nil {
		s.log.Error("spawner: finish session failed", "session", trigger.SessionID, "error", err)
	}

	s.storeEpisode(ctx, trigger.SessionID, summary)

	return summary, spawnErr
}

func (s *Spawner) runWorker(ctx context.Context, trigger Trigger, credentialSource func(ctx context.Context, name string) (string, error)) (string, error) {
	manifest, err := s.ComposeManifest(ctx, credentialSource)
	if err != nil {
		return "", fmt.Errorf("compose manifest: %w", err)
	}

	dispatch := newDispatchServer(s.gate, s.execs, s.registry)
	dispatchURL, err := dispatch.start(ctx)
	if err != nil {
		return "", fmt.Errorf("start dispatch server: %w", err)
	}
	defer dispatch.stop()

	payload, err := json.Marshal(spawnPayload{
		SystemPrompt: s.composeSystemPrompt(ctx, trigger.Prompt, trigger.IdentityPreamble),
		DispatchURL:  dispatchURL,
		SessionID:    trigger.SessionID,
	})
	if err != nil {
		return "", fmt.Errorf("encode spawn payload: %w", err)
	}

	env := map[string]string{
		"BUTLER_DISPATCH_URL": dispatchURL,
		"BUTLER_SESSION_ID":   trigger.SessionID,
	}
	for k, v := range manifest.Credentials {
		env[k] = v
	}

	result, err := s.backend.Run(ctx, runtime.Spec{
		WorkerID: trigger.SessionID,
		Command:  s.workerCmd,
		Env:      env,
		Stdin:    payload,
	})
	if err != nil {
		return "", fmt.Errorf("run worker: %w", err)
	}
	if result.Killed {
		return "", fmt.Errorf("worker %s was terminated before completing (cancellation or timeout)", trigger.SessionID)
	}
	if result.ExitCode != 0 {
		return "", fmt.Errorf("worker %s exited %d: %s", trigger.SessionID, result.ExitCode, string(result.Stderr))
	}
	return string(result.Stdout), nil
}

// storeEpisode persists the session's observations via the memory module,
// when loaded. A failure here must not block session finalization — it is
// logged and swallowed.
func (s *Spawner) storeEpisode(ctx context.Context, sessionID, observations string) {
	mem := s.registry.Memory()
	if mem == nil {
		return
	}
	if err := mem.StoreEpisode(ctx, s.butler, sessionID, observations); err != nil {
		s.log.Warn("spawner: store_episode failed, session still finalized", "session", sessionID, "error", err)
	}
}

// SpawnForIngest satisfies switchboard.Spawner.
func (s *Spawner) SpawnForIngest(ctx context.Context, trigger switchboard.IngestTrigger) error {
	_, err := s.spawn(ctx, Trigger{
		Kind:              TriggerIngest,
		Butler:            trigger.Butler,
		SessionID:         trigger.PipelineRequestID,
		Prompt:            trigger.NormalizedText,
		IdentityPreamble:  trigger.IdentityPreamble,
		PipelineRequestID: trigger.PipelineRequestID,
	}, s.resolveCredential)
	return err
}

// SpawnForSchedule satisfies scheduler.Spawner.
func (s *Spawner) SpawnForSchedule(ctx context.Context, task *scheduler.Task) (string, error) {
	return s.spawn(ctx, Trigger{
		Kind:   TriggerSchedule,
		Butler: s.butler,
		Prompt: task.Prompt,
	}, s.resolveCredential)
}

// resolveCredential looks up a module-declared credential name as a secured
// channel on the owner contact (channel_type == name), decrypting its
// channel_value with the daemon's master key. Every failure mode — no
// owner bootstrapped yet, no matching channel, bad ciphertext, no master
// key configured — degrades fail-open to an empty string rather than
// aborting the spawn, since a worker missing one optional credential should
// still run and report the gap itself rather than never starting.
func (s *Spawner) resolveCredential(ctx context.Context, name string) (string, error) {
	if s.resolver == nil || len(s.masterKey) == 0 {
		return "", nil
	}
	owner, err := s.resolver.FindOwner(ctx)
	if err != nil {
		s.log.Warn("resolveCredential: no owner bootstrapped", "credential", name, "error", err)
		return "", nil
	}
	channels, err := s.resolver.ListChannels(ctx, owner.ContactID, true)
	if err != nil {
		s.log.Warn("resolveCredential: list channels failed", "credential", name, "error", err)
		return "", nil
	}
	for _, ch := range channels {
		if ch.ChannelType != name || !ch.SecuredFlag {
			continue
		}
		ciphertext, err := hex.DecodeString(ch.ChannelValue)
		if err != nil {
			s.log.Warn("resolveCredential: stored value is not hex", "credential", name, "error", err)
			return "", nil
		}
		plaintext, err := crypto.Decrypt(s.masterKey, ciphertext)
		if err != nil {
			s.log.Warn("resolveCredential: decrypt failed", "credential", name, "error", err)
			return "", nil
		}
		return string(plaintext), nil
	}
	return "", nil
}
