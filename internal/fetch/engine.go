// Package fetch implements the DSU's scheduler: a user-keyed pending
// interest table driving a DAG of dependent NDN fetches, with per-class
// retry policies, repo-occupancy suppression, and per-user
// forwarding-hint scoping (SPEC_FULL.md §4.2). It is the sole owner of
// the PIT and link table and runs exclusively on the event loop driven
// by the injected ndn.Engine, mirroring std/engine/basic.Engine's own
// single-threaded, lock-free ownership of its PIT.
package fetch

import (
	"fmt"
	"time"

	enc "github.com/named-data/ndnd/std/encoding"
	"github.com/named-data/ndnd/std/log"
	"github.com/named-data/ndnd/std/ndn"
	"github.com/named-data/ndnd/std/types/optional"

	"github.com/named-data/dsu/internal/config"
	"github.com/named-data/dsu/internal/linktable"
	"github.com/named-data/dsu/internal/nameutil"
	"github.com/named-data/dsu/internal/objcache"
	"github.com/named-data/dsu/internal/pit"
	"github.com/named-data/dsu/internal/repochan"
)

// maxRetries is the retry cap for every class except data catalogs: 3
// re-issues after the initial interest, 4 attempts total (spec.md §4.2,
// §8 invariant 2).
const maxRetries = 3

// Engine is the fetch scheduler. The zero value is not usable; construct
// with NewEngine.
type Engine struct {
	face   ndn.Engine
	signer ndn.Signer
	cfg    config.Config
	clock  func() time.Time

	pit   *pit.Table
	links *linktable.Table
	cache *objcache.Cache // optional; nil means every write hits the repo

	writeChan      *repochan.Channel
	confirmChan    *repochan.Channel
	localCheckChan *repochan.Channel

	deploymentPrefix   enc.Name
	catalogSuffix      enc.Name
	registerPrefix     enc.Name
	confirmPrefix      enc.Name
	confirmReplyPrefix enc.Name

	// pendingConfirms holds the Reply callback of an inbound confirm
	// interest while its repo probe is outstanding, keyed by the
	// stripped object name. Only the event loop touches this map.
	pendingConfirms map[string]func(enc.Wire) error

	// pendingLocalChecks records the class an in-flight local-check
	// probe is expected to resolve to, tagged at emission time rather
	// than reclassified from the probe reply's name shape (see
	// nameutil.Classify's doc comment).
	pendingLocalChecks map[string]nameutil.ObjectClass
}

// NewEngine constructs a fetch engine. The three repo channels must
// already be dialed, with their onData callbacks wired to this engine's
// OnWriteChannelData / OnConfirmChannelData / OnLocalCheckChannelData
// methods (see internal/process, which resolves the construction-order
// cycle with a forward-declared variable capture).
func NewEngine(
	face ndn.Engine,
	signer ndn.Signer,
	writeChan, confirmChan, localCheckChan *repochan.Channel,
	pitTable *pit.Table,
	links *linktable.Table,
	cfg config.Config,
	clock func() time.Time,
) (*Engine, error) {
	deploymentPrefix, err := enc.NameFromStr(cfg.DeploymentPrefix)
	if err != nil {
		return nil, fmt.Errorf("fetch: parse deployment prefix %q: %w", cfg.DeploymentPrefix, err)
	}
	catalogSuffix, err := enc.NameFromStr("/" + cfg.CatalogSuffix)
	if err != nil {
		return nil, fmt.Errorf("fetch: parse catalog suffix %q: %w", cfg.CatalogSuffix, err)
	}
	confirmReplyPrefix, err := enc.NameFromStr(cfg.ConfirmReplyPrefix)
	if err != nil {
		return nil, fmt.Errorf("fetch: parse confirm reply prefix %q: %w", cfg.ConfirmReplyPrefix, err)
	}
	registerPrefix := append(append(enc.Name{}, deploymentPrefix...), enc.NewGenericComponent("dsu"), enc.NewGenericComponent("register"), enc.NewGenericComponent(cfg.ProducerPrefix))
	confirmPrefix := append(append(enc.Name{}, deploymentPrefix...), enc.NewGenericComponent("dsu"), enc.NewGenericComponent("confirm"), enc.NewGenericComponent(cfg.ProducerPrefix))

	return &Engine{
		face:                face,
		signer:              signer,
		cfg:                 cfg,
		clock:               clock,
		pit:                 pitTable,
		links:               links,
		writeChan:           writeChan,
		confirmChan:         confirmChan,
		localCheckChan:      localCheckChan,
		deploymentPrefix:    deploymentPrefix,
		catalogSuffix:       catalogSuffix,
		registerPrefix:      registerPrefix,
		confirmPrefix:       confirmPrefix,
		confirmReplyPrefix:  confirmReplyPrefix,
		pendingConfirms:     make(map[string]func(enc.Wire) error),
		pendingLocalChecks:  make(map[string]nameutil.ObjectClass),
	}, nil
}

func (e *Engine) String() string { return "fetch-engine" }

// RegisterPrefix and ConfirmPrefix expose the two service prefixes
// internal/process attaches interest filters to.
func (e *Engine) RegisterPrefix() enc.Name { return e.registerPrefix }
func (e *Engine) ConfirmPrefix() enc.Name  { return e.confirmPrefix }

// SetCache installs the object cache used to skip redundant repo
// writes (SPEC_FULL.md §4.7). Optional; a nil cache (the default)
// means every archived object is sent to the repo unconditionally.
func (e *Engine) SetCache(cache *objcache.Cache) { e.cache = cache }

// Resume re-issues every interest already sitting in the PIT at
// startup, with its persisted retry counter discarded (spec.md §4.4,
// scenario S4: "Engine issues that interest at startup with retry=0").
// internal/process calls this once, right after hydrating the PIT from
// the state file.
func (e *Engine) Resume() {
	for _, userID := range e.pit.Users() {
		for _, name := range e.pit.Names(userID) {
			entry, ok := e.pit.Get(userID, name)
			if !ok {
				continue
			}
			e.express(userID, name, entry.Class)
		}
	}
}

// PublishCertificate pushes the DSU's own self-signed certificate to
// the repo through the normal dedup-cached write path, so other
// participants can fetch it to verify register-acks and confirm-acks.
// internal/process calls this once at startup with the wire
// internal/identity.EnsureCertificate produced.
func (e *Engine) PublishCertificate(certName enc.Name, raw enc.Wire) {
	e.archiveToRepo(certName, raw)
}

// archiveToRepo sends raw to the repo's write channel unless the
// object cache reports name was pushed there recently, and marks it
// pushed afterward. Never gates a PIT mutation — only this optional
// repeat-write skip (SPEC_FULL.md §4.7).
func (e *Engine) archiveToRepo(name enc.Name, raw enc.Wire) {
	if e.cache != nil && e.cache.WasPushed(name) {
		return
	}
	e.writeChan.Send(raw)
	if e.cache != nil {
		e.cache.MarkPushed(name)
	}
}

// now returns the injected clock, defaulting to time.Now.
func (e *Engine) now() time.Time {
	if e.clock != nil {
		return e.clock()
	}
	return time.Now()
}

// userIDFromObjectName recovers the user-id component from a name under
// the deployment prefix, computed from the known prefix length rather
// than a hard-coded depth (spec.md §6).
func (e *Engine) userIDFromObjectName(name enc.Name) (string, error) {
	c, err := nameutil.UserIDAt(name, len(e.deploymentPrefix))
	if err != nil {
		return "", err
	}
	return c.String(), nil
}

// OnRegister implements on_register (spec.md §4.2): updates the link
// table if a link was supplied, resets the user's PIT sub-map to a
// single fresh catalog interest, and issues it.
func (e *Engine) OnRegister(userID enc.Component, timestamp time.Time, link []enc.Name) {
	uid := userID.String()
	if len(link) > 0 {
		e.links.Set(uid, link)
	}
	name := e.catalogName(uid, timestamp)
	e.pit.ResetUser(uid, name, nameutil.ClassDataCatalog)
	e.express(uid, name, nameutil.ClassDataCatalog)
}

// HandleRegister is the ndn.InterestHandler attached to RegisterPrefix().
func (e *Engine) HandleRegister(args ndn.InterestHandlerArgs) {
	name := args.Interest.Name()
	depth := len(e.registerPrefix)
	userID, err := nameutil.UserIDAt(name, depth)
	if err != nil {
		log.Warn(e, "register interest too short", "name", name, "err", err)
		return
	}
	tsComp, err := nameutil.UserIDAt(name, depth+1)
	if err != nil {
		log.Warn(e, "register interest missing timestamp", "name", name, "err", err)
		return
	}
	ts, err := nameutil.ParseISO(tsComp.String())
	if err != nil {
		log.Warn(e, "register interest has unparsable timestamp", "name", name, "err", err)
		return
	}

	var link []enc.Name
	if len(name) > depth+2 {
		if linkName, err := enc.NameFromStr(name[depth+2].String()); err == nil {
			link = []enc.Name{linkName}
		} else {
			log.Warn(e, "could not decode link component", "name", name, "err", err)
		}
	}

	e.OnRegister(userID, ts, link)

	data, err := e.face.Spec().MakeData(name,
		&ndn.DataConfig{
			ContentType: optional.Some(ndn.ContentTypeBlob),
			Freshness:   optional.Some(e.cfg.RegisterAckFreshness),
		},
		nil, e.signer)
	if err != nil {
		log.Error(e, "failed to sign register-ack", "name", name, "err", err)
		return
	}
	if err := args.Reply(data.Wire); err != nil {
		log.Error(e, "failed to send register-ack", "name", name, "err", err)
	}
}

// OnConfirm implements on_confirm (spec.md §4.2): probes the repo's
// confirm channel for objectName, which HandleConfirm has already
// recovered by stripping the confirm prefix. reply is stashed and
// invoked once the probe resolves.
func (e *Engine) OnConfirm(objectName enc.Name, reply func(enc.Wire) error) {
	e.pendingConfirms[objectName.String()] = reply

	interest, err := e.face.Spec().MakeInterest(objectName,
		&ndn.InterestConfig{MustBeFresh: true, Lifetime: optional.Some(e.cfg.InterestLifetime)},
		nil, nil)
	if err != nil {
		log.Error(e, "failed to build confirm probe", "name", objectName, "err", err)
		return
	}
	e.confirmChan.Send(interest.Wire)
}

// HandleConfirm is the ndn.InterestHandler attached to ConfirmPrefix().
func (e *Engine) HandleConfirm(args ndn.InterestHandlerArgs) {
	name := args.Interest.Name()
	depth := len(e.confirmPrefix)
	if len(name) <= depth {
		log.Warn(e, "confirm interest carries no object name", "name", name)
		return
	}
	objectName := name[depth:]
	e.OnConfirm(objectName, args.Reply)
}

// OnConfirmChannelData handles a Data received on the confirm probe
// channel: a non-empty content is a hit, and triggers a signed
// register-confirm reply to whichever confirm interest is still
// pending for that object name. An empty content (miss) is a no-op —
// the producer is expected to retransmit its confirm interest.
func (e *Engine) OnConfirmChannelData(d ndn.Data) {
	key := d.Name().String()
	reply, ok := e.pendingConfirms[key]
	delete(e.pendingConfirms, key)
	if !ok {
		log.Warn(e, "confirm probe reply with no pending confirm interest", "name", d.Name())
		return
	}
	if len(d.Content().Join()) == 0 {
		return
	}

	replyName := append(append(enc.Name{}, e.confirmReplyPrefix...), d.Name()...)
	data, err := e.face.Spec().MakeData(replyName,
		&ndn.DataConfig{ContentType: optional.Some(ndn.ContentTypeBlob)},
		nil, e.signer)
	if err != nil {
		log.Error(e, "failed to sign register-confirm", "name", replyName, "err", err)
		return
	}
	if err := reply(data.Wire); err != nil {
		log.Error(e, "failed to send register-confirm", "name", replyName, "err", err)
	}
}

// OnLocalCheckChannelData handles a Data received on the local-check
// probe channel: an empty content (miss) triggers suppression-checked
// issuance of the corresponding fetch interest; a non-empty content
// (hit) is a pure no-op (spec.md §8 invariant 3: "no interest is issued
// for a name whose local-check probe reported hit").
func (e *Engine) OnLocalCheckChannelData(d ndn.Data) {
	key := d.Name().String()
	class, ok := e.pendingLocalChecks[key]
	delete(e.pendingLocalChecks, key)
	if !ok {
		class = nameutil.Classify(d.Name())
	}
	if len(d.Content().Join()) > 0 {
		return
	}

	userID, err := e.userIDFromObjectName(d.Name())
	if err != nil {
		log.Warn(e, "local-check miss for name with no recoverable user-id", "name", d.Name(), "err", err)
		return
	}
	e.emitFresh(userID, d.Name(), class)
}

// OnWriteChannelData handles a Data received on the write channel: an
// empty content means the repo rejected the write, and the engine falls
// back to a direct fetch of the same name as a generic data point.
func (e *Engine) OnWriteChannelData(d ndn.Data) {
	if len(d.Content().Join()) != 0 {
		return
	}
	userID, err := e.userIDFromObjectName(d.Name())
	if err != nil {
		log.Warn(e, "write rejected for name with no recoverable user-id", "name", d.Name(), "err", err)
		return
	}
	e.emitFresh(userID, d.Name(), nameutil.ClassDataPoint)
}

// OnDataCatalog implements on_data_catalog (spec.md §4.2).
func (e *Engine) OnDataCatalog(userID string, data ndn.Data, raw enc.Wire) {
	name := data.Name()
	e.pit.Remove(userID, name)
	e.archiveToRepo(name, raw)

	names, err := nameutil.DecodeCatalog(data.Content().Join())
	if err != nil {
		log.Error(e, "malformed data catalog, archiving without fan-out", "name", name, "err", err)
		return
	}
	for _, n := range names {
		pointName, err := enc.NameFromStr(n)
		if err != nil {
			log.Warn(e, "skipping unparsable data-point name", "raw", n, "err", err)
			continue
		}
		e.emitFresh(userID, pointName, nameutil.ClassDataPoint)
	}

	if ts, err := trailingTimestamp(name); err != nil {
		log.Warn(e, "could not derive timeslot from catalog name", "name", name, "err", err)
	} else if ckName, err := ckeyCatalogName(name, nameutil.RoundDownHour(ts)); err != nil {
		log.Warn(e, "could not derive C-KEY catalog name", "name", name, "err", err)
	} else {
		e.issueLocalCheck(userID, ckName, nameutil.ClassCKeyCatalog)
	}

	if certName := data.Signature().KeyName(); certName != nil {
		e.issueLocalCheck(userID, certName, nameutil.ClassCertificate)
	}
}

// OnCKeyCatalog implements on_ckey_catalog (spec.md §4.2).
func (e *Engine) OnCKeyCatalog(userID string, data ndn.Data, raw enc.Wire) {
	name := data.Name()
	e.pit.Remove(userID, name)
	e.archiveToRepo(name, raw)

	names, err := nameutil.DecodeCatalog(data.Content().Join())
	if err != nil {
		log.Error(e, "malformed C-KEY catalog, archiving without fan-out", "name", name, "err", err)
		return
	}
	for _, n := range names {
		cKey, err := enc.NameFromStr(n)
		if err != nil {
			log.Warn(e, "skipping unparsable C-KEY name", "raw", n, "err", err)
			continue
		}
		e.emitFresh(userID, cKey, nameutil.ClassCKey)

		eKey, err := eKeyName(cKey)
		if err != nil {
			log.Warn(e, "could not derive E-KEY name", "ckey", cKey, "err", err)
			continue
		}
		e.issueLocalCheck(userID, eKey, nameutil.ClassEKey)

		dcName, err := dKeyCatalogName(eKey)
		if err != nil {
			log.Warn(e, "could not derive D-KEY catalog name", "ekey", eKey, "err", err)
			continue
		}
		e.issueLocalCheck(userID, dcName, nameutil.ClassDKeyCatalog)
	}
}

// OnDKeyCatalog implements on_dkey_catalog (spec.md §4.2): same shape as
// the C-KEY catalog, but listed entries are terminal D-KEYs.
func (e *Engine) OnDKeyCatalog(userID string, data ndn.Data, raw enc.Wire) {
	name := data.Name()
	e.pit.Remove(userID, name)
	e.archiveToRepo(name, raw)

	names, err := nameutil.DecodeCatalog(data.Content().Join())
	if err != nil {
		log.Error(e, "malformed D-KEY catalog, archiving without fan-out", "name", name, "err", err)
		return
	}
	for _, n := range names {
		dKey, err := enc.NameFromStr(n)
		if err != nil {
			log.Warn(e, "skipping unparsable D-KEY name", "raw", n, "err", err)
			continue
		}
		e.emitFresh(userID, dKey, nameutil.ClassDKey)
	}
}

// OnLeafData implements on_leaf_data (spec.md §4.2): applies to data
// points, C-KEYs, E-KEYs, D-KEYs, and certificates. No fan-out.
func (e *Engine) OnLeafData(userID string, data ndn.Data, raw enc.Wire) {
	name := data.Name()
	e.pit.Remove(userID, name)
	e.archiveToRepo(name, raw)
}

// emitFresh installs a PIT entry for (userID, name) if one isn't already
// outstanding and, only then, issues the interest — the repo-miss /
// fan-out dedup path of spec.md §3: "issuing an interest whose name is
// already in the PIT is a no-op".
func (e *Engine) emitFresh(userID string, name enc.Name, class nameutil.ObjectClass) {
	if !e.pit.Insert(userID, name, class) {
		return
	}
	e.express(userID, name, class)
}

// issueLocalCheck sends a local-check probe for name, tagging it with
// its expected class so the reply can be dispatched without
// reclassifying from name shape.
func (e *Engine) issueLocalCheck(userID string, name enc.Name, class nameutil.ObjectClass) {
	e.pendingLocalChecks[name.String()] = class
	interest, err := e.face.Spec().MakeInterest(name,
		&ndn.InterestConfig{MustBeFresh: false, Lifetime: optional.Some(e.cfg.InterestLifetime)},
		nil, nil)
	if err != nil {
		log.Error(e, "failed to build local-check probe", "name", name, "err", err)
		delete(e.pendingLocalChecks, name.String())
		return
	}
	e.localCheckChan.Send(interest.Wire)
}

// express issues (or re-issues) a network interest for (userID, name),
// attaching the user's forwarding hint if known. Every re-issued
// interest gets a fresh lifetime and the must-be-fresh flag, per
// spec.md §4.2's timeout paragraph.
func (e *Engine) express(userID string, name enc.Name, class nameutil.ObjectClass) {
	cfg := &ndn.InterestConfig{
		MustBeFresh:    true,
		Lifetime:       optional.Some(e.cfg.InterestLifetime),
		ForwardingHint: e.links.Get(userID),
	}
	interest, err := e.face.Spec().MakeInterest(name, cfg, nil, nil)
	if err != nil {
		log.Error(e, "failed to build interest", "name", name, "err", err)
		return
	}
	if err := e.face.Express(interest, e.onResult(userID, name, class)); err != nil {
		log.Error(e, "failed to express interest", "name", name, "err", err)
	}
}

// onResult routes an expressed interest's outcome back to the right
// handler: successful Data to the class-appropriate On*Data method,
// Timeout/Nack to the shared retry-policy handler.
func (e *Engine) onResult(userID string, name enc.Name, class nameutil.ObjectClass) ndn.ExpressCallbackFunc {
	return func(args ndn.ExpressCallbackArgs) {
		switch args.Result {
		case ndn.InterestResultData:
			switch class {
			case nameutil.ClassDataCatalog:
				e.OnDataCatalog(userID, args.Data, args.RawData)
			case nameutil.ClassCKeyCatalog:
				e.OnCKeyCatalog(userID, args.Data, args.RawData)
			case nameutil.ClassDKeyCatalog:
				e.OnDKeyCatalog(userID, args.Data, args.RawData)
			default:
				e.OnLeafData(userID, args.Data, args.RawData)
			}
		case ndn.InterestResultTimeout, ndn.InterestResultNack:
			e.onTimeout(userID, name)
		default:
			log.Warn(e, "interest failed", "name", name, "result", args.Result)
		}
	}
}

// onTimeout implements spec.md §4.2's "Timeouts" paragraph: looked up
// by the PIT entry's class tag, unbounded retries for data catalogs,
// capped at maxRetries for everything else.
func (e *Engine) onTimeout(userID string, name enc.Name) {
	entry, ok := e.pit.Get(userID, name)
	if !ok {
		log.Warn(e, "timeout for unknown PIT entry, dropping", "user", userID, "name", name)
		return
	}
	if !entry.Class.Unbounded() && entry.RetryCount >= maxRetries {
		e.pit.Remove(userID, name)
		return
	}
	e.pit.Bump(userID, name)
	e.express(userID, name, entry.Class)
}
