package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/applesign/resigner/pkg/archive"
	"github.com/applesign/resigner/pkg/bundle"
	"github.com/applesign/resigner/pkg/depsolver"
	"github.com/applesign/resigner/pkg/entitlements"
	"github.com/applesign/resigner/pkg/infoplist"
	"github.com/applesign/resigner/pkg/machoprobe"
	"github.com/applesign/resigner/pkg/plist"
	"github.com/applesign/resigner/pkg/provision"
	"github.com/applesign/resigner/pkg/signer"
)

// State names the session's position in the C9 state machine (spec §4.9).
type State string

const (
	StateInit               State = "INIT"
	StateUnpacked           State = "UNPACKED"
	StateDiscovered         State = "DISCOVERED"
	StateMetadataReady      State = "METADATA_READY"
	StateEntitlementsReady  State = "ENTITLEMENTS_READY"
	StateSigned             State = "SIGNED"
	StateVerified           State = "VERIFIED"
	StateRepacked           State = "REPACKED"
	StateDone               State = "DONE"
	StateFailed             State = "FAILED"
)

// identityNotFoundMarker is the stderr substring that always makes a
// signer failure fatal, even under ignoreCodesignErrors (spec §4.9, §7).
const identityNotFoundMarker = "no identity found"

// Session drives a single IPA through the resigning pipeline.
type Session struct {
	id    string
	cfg   Config
	em    *emitter
	log   *logAdapter
	state State

	outdir  string
	outfile string
	appDir  string

	entries []bundle.Entry
	profile *provision.Profile
}

// New validates cfg and returns a runnable Session. The session does not
// start work until Run is called.
func New(cfg Config) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	logger := newLogAdapter(id)
	outdir, outfile := cfg.resolvedPaths()
	return &Session{
		id:      id,
		cfg:     cfg,
		em:      newEmitter(logger),
		log:     logger,
		state:   StateInit,
		outdir:  outdir,
		outfile: outfile,
	}, nil
}

// Events returns the session's event stream. Run must be started (in its
// own goroutine, typically) for events to flow; the channel closes after
// the single `end` event.
func (s *Session) Events() <-chan Event {
	return s.em.ch
}

// Run executes the full state machine to completion, emitting events as
// it progresses and exactly one `end` event at termination. Run is
// intended to be called from its own goroutine; it blocks until done.
func (s *Session) Run() {
	s.log.info("session %s starting for %s", s.id, s.cfg.File)
	err := s.runStages()
	if err != nil {
		s.log.errorf("session %s failed in state %s: %v", s.id, s.state, err)
		s.cleanup("failure")
		s.state = StateFailed
		s.em.end(err)
		return
	}
	s.log.info("session %s done: %s", s.id, s.outfile)
	s.state = StateDone
	s.em.end(nil)
}

func (s *Session) runStages() error {
	if err := s.unpack(); err != nil {
		return err
	}
	if err := s.discover(); err != nil {
		return err
	}
	if err := s.prepareMetadata(); err != nil {
		return err
	}
	if err := s.reconcileEntitlements(); err != nil {
		return err
	}
	plan, err := s.sign()
	if err != nil {
		return err
	}
	if err := s.verify(plan); err != nil {
		return err
	}
	if err := s.repack(); err != nil {
		return err
	}
	s.cleanup("success")
	return nil
}

// unpack implements INIT → UNPACKED.
func (s *Session) unpack() error {
	s.em.message("removing stale working directory %s", s.outdir)
	if err := os.RemoveAll(s.outdir); err != nil {
		return wrapCause(ErrArchiveUnreadable, err, "clear working directory")
	}

	ext := strings.ToLower(filepath.Ext(s.cfg.File))
	switch ext {
	case ".ipa":
		s.em.message("extracting %s", s.cfg.File)
		if err := archive.Extract(s.cfg.File, s.outdir); err != nil {
			return wrapCause(ErrArchiveUnreadable, err, "extract archive")
		}
	case ".app":
		payloadDir := filepath.Join(s.outdir, "Payload")
		if err := os.MkdirAll(payloadDir, 0o755); err != nil {
			return wrapCause(ErrArchiveUnreadable, err, "create payload directory")
		}
		dest := filepath.Join(payloadDir, filepath.Base(s.cfg.File))
		if err := archive.CopyDir(s.cfg.File, dest); err != nil {
			return wrapCause(ErrArchiveUnreadable, err, "copy .app")
		}
	default:
		return wrapErr(ErrArchiveUnreadable, "unsupported input type %q (must be .ipa or .app)", ext)
	}

	appDir, err := uniqueAppDir(filepath.Join(s.outdir, "Payload"))
	if err != nil {
		return err
	}
	s.appDir = appDir
	s.state = StateUnpacked
	return nil
}

// uniqueAppDir locates the single *.app directory under payloadDir,
// failing if there are zero or more than one (spec §4.9 step 1).
func uniqueAppDir(payloadDir string) (string, error) {
	entries, err := os.ReadDir(payloadDir)
	if err != nil {
		return "", wrapCause(ErrInvalidBundleLayout, err, "read Payload directory")
	}
	var apps []string
	for _, e := range entries {
		if e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".app") {
			apps = append(apps, e.Name())
		}
	}
	if len(apps) == 0 {
		return "", wrapErr(ErrInvalidBundleLayout, "no .app found under Payload/")
	}
	if len(apps) > 1 {
		return "", wrapErr(ErrInvalidBundleLayout, "multiple .app directories found under Payload/: %v", apps)
	}
	return filepath.Join(payloadDir, apps[0]), nil
}

// discover implements UNPACKED → DISCOVERED.
func (s *Session) discover() error {
	mainExecInfo, err := mainExecutableOf(s.appDir)
	if err != nil {
		return err
	}

	encrypted, err := machoprobe.IsEncrypted(mainExecInfo)
	if err != nil {
		return wrapCause(ErrInvalidBundleLayout, err, "probe encryption")
	}
	if encrypted && !s.cfg.UnfairPlay {
		return wrapErr(ErrEncrypted, "main executable is FairPlay-encrypted; set UnfairPlay to override")
	}

	// Single strip pass: remove Watch/ and PlugIns/ together, exactly
	// once, when requested (SPEC_FULL supplemented feature).
	if s.cfg.WithoutWatchapp {
		for _, dir := range []string{"Watch", "PlugIns"} {
			p := filepath.Join(s.appDir, dir)
			if _, statErr := os.Stat(p); statErr == nil {
				s.em.message("removing %s", dir)
				if rmErr := os.RemoveAll(p); rmErr != nil {
					return wrapCause(ErrInvalidBundleLayout, rmErr, "strip "+dir)
				}
			}
		}
	}

	entries, err := bundle.Walk(s.appDir)
	if err != nil {
		return wrapCause(ErrNoBinariesFound, err, "discover bundle contents")
	}
	s.entries = entries
	s.state = StateDiscovered
	return nil
}

func mainExecutableOf(appDir string) (string, error) {
	info, err := plist.ReadFile(filepath.Join(appDir, "Info.plist"))
	if err != nil {
		return "", wrapCause(ErrInvalidBundleLayout, err, "read Info.plist")
	}
	name, _ := info["CFBundleExecutable"].(string)
	if name == "" {
		return "", wrapErr(ErrInvalidBundleLayout, "Info.plist has no CFBundleExecutable")
	}
	return filepath.Join(appDir, name), nil
}

// prepareMetadata implements DISCOVERED → METADATA_READY.
func (s *Session) prepareMetadata() error {
	infoPath := filepath.Join(s.appDir, "Info.plist")
	info, err := plist.ReadFile(infoPath)
	if err != nil {
		return wrapCause(ErrInvalidBundleLayout, err, "read Info.plist")
	}

	changed := infoplist.Rewrite(info, infoplist.Options{
		BundleID:    s.cfg.BundleID,
		ForceFamily: s.cfg.ForceFamily,
	})
	if changed {
		s.em.message("rewriting Info.plist")
		if err := plist.WriteFile(infoPath, info); err != nil {
			return wrapCause(ErrInvalidBundleLayout, err, "write Info.plist")
		}
	}

	if s.cfg.MobileProvision != "" {
		s.em.message("embedding provisioning profile")
		dest := filepath.Join(s.appDir, "embedded.mobileprovision")
		if err := archive.CopyFile(s.cfg.MobileProvision, dest); err != nil {
			return wrapCause(ErrProfileUnreadable, err, "embed provisioning profile")
		}
	}

	s.state = StateMetadataReady
	return nil
}

// reconcileEntitlements implements METADATA_READY → ENTITLEMENTS_READY.
func (s *Session) reconcileEntitlements() error {
	profilePath := s.cfg.MobileProvision
	if profilePath == "" {
		profilePath = filepath.Join(s.appDir, "embedded.mobileprovision")
	}

	var profileDict plist.Dict
	if _, err := os.Stat(profilePath); err == nil {
		profile, perr := provision.Parse(profilePath)
		if perr != nil {
			return wrapCause(ErrProfileUnreadable, perr, "parse provisioning profile")
		}
		s.profile = profile
		profileDict = profile.Entitlements()
	} else if s.cfg.Entitlement == "" {
		return wrapErr(ErrProfileUnreadable, "no provisioning profile available and no entitlement override configured")
	}

	if err := s.checkBundleIDMismatch(profileDict); err != nil {
		return err
	}

	for i, e := range s.entries {
		if e.Kind != bundle.KindMainExecutable {
			continue
		}
		ents, err := machoprobe.ReadEntitlements(e.Path)
		if err != nil {
			return wrapCause(ErrEntitlementsWriteFail, err, "read embedded entitlements")
		}
		doc, err := entitlements.Reconcile(entitlements.Inputs{
			MachO:                  ents,
			Profile:                profileDict,
			UserOverridePath:       s.cfg.Entitlement,
			UseDefaultEntitlements: s.cfg.UseDefaultEntitlements,
		})
		if err != nil {
			return wrapCause(ErrEntitlementsWriteFail, err, "reconcile entitlements")
		}
		if doc != nil {
			path := e.Path + ".entitlements"
			if err := entitlements.Write(path, doc); err != nil {
				return wrapCause(ErrEntitlementsWriteFail, err, "write entitlements")
			}
			s.entries[i].EntitlementsPath = path
		}
	}

	// Non-main binaries reuse the same reconciled document: they share
	// the same provisioning profile scope within one bundle.
	var mainDoc string
	for _, e := range s.entries {
		if e.Kind == bundle.KindMainExecutable {
			mainDoc = e.EntitlementsPath
		}
	}
	for i, e := range s.entries {
		if e.Kind != bundle.KindMainExecutable && e.EntitlementsPath == "" && mainDoc != "" {
			s.entries[i].EntitlementsPath = mainDoc
		}
	}

	s.state = StateEntitlementsReady
	return nil
}

// checkBundleIDMismatch warns (never fails) when the provisioning
// profile's application-identifier glob does not match the bundle's
// resolved identifier (SPEC_FULL supplemented feature, §9 Open Question
// #1).
func (s *Session) checkBundleIDMismatch(profileDict plist.Dict) error {
	appID, _ := profileDict["application-identifier"].(string)
	if appID == "" {
		return nil
	}
	parts := strings.SplitN(appID, ".", 2)
	if len(parts) != 2 {
		return nil
	}
	wildcard := strings.HasSuffix(parts[1], "*")
	glob := strings.TrimSuffix(parts[1], "*")

	info, err := plist.ReadFile(filepath.Join(s.appDir, "Info.plist"))
	if err != nil {
		return nil
	}
	bundleID, _ := info["CFBundleIdentifier"].(string)
	if bundleID == "" {
		return nil
	}
	if bundleID != glob && !(wildcard && strings.HasPrefix(bundleID, glob)) {
		s.em.warning("provisioning profile application-identifier %q does not match bundle identifier %q", appID, bundleID)
	}
	return nil
}

// sign implements ENTITLEMENTS_READY → SIGNED.
func (s *Session) sign() (depsolver.Plan, error) {
	nodes := make([]depsolver.Node, 0, len(s.entries))
	var mainID string
	for _, e := range s.entries {
		nodes = append(nodes, depsolver.Node{Path: e.Path, ID: e.ID})
		if e.Kind == bundle.KindMainExecutable {
			mainID = e.ID
		}
	}
	plan := depsolver.Solve(nodes, mainID)
	if plan.Cyclic {
		s.em.warning("dependency graph contains a cycle; falling back to flat serial signing order")
	}

	drv := signer.New(s.cfg.Identity, s.cfg.Keychain)
	entByID := make(map[string]string, len(s.entries))
	for _, e := range s.entries {
		entByID[e.ID] = e.EntitlementsPath
	}

	signOne := func(n depsolver.Node) error {
		s.em.message("signing %s", n.ID)
		_, err := drv.Sign(n.Path, entByID[n.ID])
		if err != nil {
			if isIdentityNotFound(err) {
				return wrapCause(ErrIdentityNotFound, err, "sign "+n.ID)
			}
			if s.cfg.IgnoreCodesignErrors {
				s.em.errorEvent("codesign failed for %s: %v", n.ID, err)
				return nil
			}
			return wrapCause(ErrSignFailed, err, "sign "+n.ID)
		}
		if s.cfg.VerifyTwice {
			if _, verr := drv.Verify(n.Path); verr != nil && !s.cfg.IgnoreVerificationErrors {
				return wrapCause(ErrVerifyFailed, verr, "immediate re-verify "+n.ID)
			}
		}
		return nil
	}

	if s.cfg.Parallel && !plan.Cyclic {
		for _, layer := range plan.Layers {
			if err := signLayer(layer, signOne); err != nil {
				return plan, err
			}
		}
	} else {
		for _, n := range plan.Serial() {
			if err := signOne(n); err != nil {
				return plan, err
			}
		}
	}

	s.state = StateSigned
	return plan, nil
}

// signLayer runs signOne over every node in layer concurrently, waits for
// all of them (the happens-before barrier between layers, spec §5), and
// returns every failure aggregated into one error (nil if none).
func signLayer(layer []depsolver.Node, signOne func(depsolver.Node) error) error {
	var wg sync.WaitGroup
	errs := make([]error, len(layer))
	for i, n := range layer {
		wg.Add(1)
		go func(i int, n depsolver.Node) {
			defer wg.Done()
			errs[i] = signOne(n)
		}(i, n)
	}
	wg.Wait()

	var merr *multierror.Error
	for _, err := range errs {
		if err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if merr == nil {
		return nil
	}
	// Several siblings in a layer can fail independently; surface every
	// failure's message, but propagate the first one's Kind so
	// KindOf(err) still classifies the terminal error correctly.
	return wrapCause(KindOf(merr.Errors[0]), merr, fmt.Sprintf("layer had %d failure(s)", len(merr.Errors)))
}

func isIdentityNotFound(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), identityNotFoundMarker)
}

// verify implements SIGNED → VERIFIED. Per the supplemented two-pass
// split (§9 Open Question #3), verification runs as a distinct pass over
// the same plan, after signing has fully completed, rather than
// interleaving per-node.
func (s *Session) verify(plan depsolver.Plan) error {
	drv := signer.New(s.cfg.Identity, s.cfg.Keychain)

	verifyOne := func(n depsolver.Node) error {
		s.em.message("verifying %s", n.ID)
		_, err := drv.Verify(n.Path)
		if err != nil {
			if s.cfg.IgnoreVerificationErrors {
				s.em.errorEvent("verification failed for %s: %v", n.ID, err)
				return nil
			}
			return wrapCause(ErrVerifyFailed, err, "verify "+n.ID)
		}
		return nil
	}

	if s.cfg.Parallel && !plan.Cyclic {
		for _, layer := range plan.Layers {
			if err := signLayer(layer, verifyOne); err != nil {
				return err
			}
		}
	} else {
		for _, n := range plan.Serial() {
			if err := verifyOne(n); err != nil {
				return err
			}
		}
	}

	s.state = StateVerified
	return nil
}

// repack implements VERIFIED → REPACKED.
func (s *Session) repack() error {
	s.em.message("compressing %s", s.outfile)
	if err := archive.Compress(s.outdir, s.outfile); err != nil {
		return wrapCause(ErrRepackFailed, err, "compress output archive")
	}

	if s.cfg.ReplaceIPA {
		s.em.message("replacing input archive with %s", s.outfile)
		if err := os.Rename(s.outfile, s.cfg.File); err != nil {
			return wrapCause(ErrRepackFailed, err, "replace input archive")
		}
	}

	s.state = StateRepacked
	return nil
}

// cleanup always removes the working directory, whether the session
// succeeded or failed (spec §4.9, invariant 6). Cleanup failures are
// reported as messages and never become the terminal error (spec §7).
func (s *Session) cleanup(reason string) {
	if err := os.RemoveAll(s.outdir); err != nil {
		s.em.message("cleanup (%s) failed to remove working directory: %v", reason, err)
	}
}
