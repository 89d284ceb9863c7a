/*
Package engine glues the editing core together: it ingests abstract point
actions from an input source, routes them through the local or shared history
path, keeps the replicated document and presence in sync, and drives the
renderer.

The coordinator is the single owner of every mutable piece of a replica: the
curve store, both history trees, and the replicated document are only touched
under its lock, whether the entry point is user input, a transport callback,
or a timer.
*/
package engine

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/curveboard/curveboard/command"
	"github.com/curveboard/curveboard/curve"
	"github.com/curveboard/curveboard/document"
	"github.com/curveboard/curveboard/history"
	"github.com/curveboard/curveboard/session"
)

// DefaultHubURL is the hub endpoint used when none is configured.
const DefaultHubURL = "ws://localhost:8080"

// ActionType distinguishes point actions.
type ActionType string

const (
	ActionAdd    ActionType = "add"
	ActionRemove ActionType = "remove"
	ActionMove   ActionType = "move"
)

// PointAction is an abstract edit event from the input source. Add requires
// only Point; Remove requires Point and Index; Move requires all fields.
type PointAction struct {
	Type     ActionType
	Point    curve.Point
	Index    int
	OldPoint curve.Point
}

// InputSource is the external origin of point actions. The coordinator pushes
// the active curve's points back into it after history changes.
type InputSource interface {
	SetPoints([]curve.Point)
}

// RenderState is the snapshot handed to the renderer. It carries plain
// values only; the renderer has no mutation path.
type RenderState struct {
	Curves            []*curve.Curve
	ActiveCurveID     string
	AnimatedPoints    []curve.Point
	VisualizationMode string
	AnimationProgress float64
}

// Renderer consumes state snapshots.
type Renderer interface {
	Render(RenderState)
}

// Config assembles a coordinator.
type Config struct {
	Input    InputSource
	Renderer Renderer
	HubURL   string
	UserName string
	Logger   *zap.Logger
}

// Coordinator is the per-replica state machine.
type Coordinator struct {
	mu  sync.Mutex
	log *zap.Logger

	store    *curve.Store
	tree     *history.Tree
	doc      *document.Replicated
	client   *session.Client
	input    InputSource
	renderer Renderer

	hubURL   string
	userName string

	collaborationEnabled   bool
	isApplyingRemoteChange bool
}

// New creates a coordinator with a freshly seeded store and an empty local
// history. Collaboration starts disabled.
func New(cfg Config) *Coordinator {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	hubURL := cfg.HubURL
	if hubURL == "" {
		hubURL = DefaultHubURL
	}
	store := curve.NewStore()
	c := &Coordinator{
		log:      log,
		store:    store,
		tree:     history.NewTree(store),
		doc:      document.NewReplicated(log.Named("doc")),
		input:    cfg.Input,
		renderer: cfg.Renderer,
		hubURL:   hubURL,
		userName: cfg.UserName,
	}
	c.tree.SetCollaborationCallback(c.onLocalCommand)
	c.doc.OnRemoteChange = c.onRemoteCurves
	c.doc.OnPresenceUpdate = c.onPresence
	return c
}

// Store exposes the curve store for read-only inspection.
func (c *Coordinator) Store() *curve.Store { return c.store }

// Curves returns a deep copy of the current curve set.
func (c *Coordinator) Curves() []*curve.Curve {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Snapshot()
}

// Connected reports whether a hub connection is currently established.
func (c *Coordinator) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil && c.client.Connected()
}

// History exposes the local history tree.
func (c *Coordinator) History() *history.Tree { return c.tree }

// Document exposes the replicated document.
func (c *Coordinator) Document() *document.Replicated { return c.doc }

// +------------------+
// | Local edit paths |
// +------------------+

// HandlePointAction turns an input action into a command on the active curve
// and executes it through the local history tree.
func (c *Coordinator) HandlePointAction(a PointAction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	active := c.store.ActiveCurve()
	if active == nil {
		return
	}
	var cmd command.Command
	switch a.Type {
	case ActionAdd:
		cmd = command.NewAddPoint(active.ID, active.Color, a.Point)
	case ActionRemove:
		cmd = command.NewRemovePoint(active.ID, active.Color, a.Index, a.Point)
	case ActionMove:
		cmd = command.NewMovePoint(active.ID, active.Color, a.Index, a.OldPoint, a.Point)
	default:
		c.log.Warn("ignoring point action of unknown type", zap.String("type", string(a.Type)))
		return
	}
	affected := c.tree.ExecuteCommand(cmd)
	c.afterHistoryChange(affected)
	c.publishPresence(&a.Point)
}

// NewCurve adds a fresh empty curve through the command pathway and selects
// it.
func (c *Coordinator) NewCurve() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	cmd := command.NewAddCurve(&curve.Curve{
		ID:    curve.NewID(),
		Color: c.store.NextPaletteColor(),
	})
	affected := c.tree.ExecuteCommand(cmd)
	c.afterHistoryChange(affected)
	c.publishPresence(nil)
	return affected
}

// RemoveCurve removes the named curve through the command pathway.
func (c *Coordinator) RemoveCurve(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.store.CurveIndex(id)
	if i < 0 {
		return
	}
	cmd := command.NewRemoveCurve(c.store.Curves()[i], i)
	c.tree.ExecuteCommand(cmd)
	c.afterHistoryChange(c.store.ActiveID())
	c.publishPresence(nil)
}

// SelectCurve makes the named curve active and re-renders.
func (c *Coordinator) SelectCurve(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.SetActive(id)
	c.pushPointsAndRender()
	c.publishPresence(nil)
}

// SelectCurveAt selects the first curve sampled within threshold of p.
func (c *Coordinator) SelectCurveAt(p curve.Point, threshold float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.store.FindCurveAtPosition(p, threshold)
	if !ok {
		return false
	}
	c.store.SetActive(id)
	c.pushPointsAndRender()
	c.publishPresence(&p)
	return true
}

// LoadFile replaces the document from serialized JSON through an undoable
// LoadCurves command. Validation failures leave everything unchanged.
func (c *Coordinator) LoadFile(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	loaded := curve.NewEmpty()
	if err := loaded.LoadJSON(data); err != nil {
		return err
	}
	cmd := command.NewLoadCurves(loaded.Curves(), c.store.Curves())
	affected := c.tree.ExecuteCommand(cmd)
	c.afterHistoryChange(affected)
	return nil
}

// SaveFile serializes the current document.
func (c *Coordinator) SaveFile() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.MarshalJSON()
}

// +-----------+
// | Undo/redo |
// +-----------+

// collabActive reports whether the shared history path is in effect: a
// session enabled and currently connected.
func (c *Coordinator) collabActive() bool {
	return c.collaborationEnabled && c.client != nil && c.client.Connected()
}

// Undo reverts one step, through the shared history when a session is active
// and connected, through the local tree otherwise.
func (c *Coordinator) Undo() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.collabActive() {
		blob, curves, ok := c.doc.SharedUndo()
		if !ok {
			return
		}
		c.applyReconstructed(curves)
		c.client.SendChange(blob)
		return
	}
	affected, ok := c.tree.Undo()
	if !ok {
		return
	}
	c.afterHistoryChange(affected)
}

// Redo re-applies one step, mirroring Undo's path choice.
func (c *Coordinator) Redo() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.collabActive() {
		blob, curves, ok := c.doc.SharedRedo()
		if !ok {
			return
		}
		c.applyReconstructed(curves)
		c.client.SendChange(blob)
		return
	}
	affected, ok := c.tree.Redo()
	if !ok {
		return
	}
	c.afterHistoryChange(affected)
}

// CanUndo follows the same path choice as Undo.
func (c *Coordinator) CanUndo() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.collabActive() {
		return c.doc.CanSharedUndo()
	}
	return c.tree.CanUndo()
}

// CanRedo follows the same path choice as Redo.
func (c *Coordinator) CanRedo() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.collabActive() {
		return c.doc.CanSharedRedo()
	}
	return c.tree.CanRedo()
}

// JumpForward redoes to the next intersection or the end of the branch.
func (c *Coordinator) JumpForward() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.afterHistoryChange(c.tree.JumpToNextIntersectionOrEnd())
}

// JumpBackward undoes to the previous intersection or the start.
func (c *Coordinator) JumpBackward() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.afterHistoryChange(c.tree.JumpToPreviousIntersectionOrStart())
}

// SwitchToBranch moves the live state to another branch of the local tree.
func (c *Coordinator) SwitchToBranch(target *history.Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.afterHistoryChange(c.tree.SwitchToBranch(target))
}

// +---------------+
// | Collaboration |
// +---------------+

// EnableCollaboration connects to the hub and switches undo/redo to the
// shared history path once connected.
func (c *Coordinator) EnableCollaboration(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.collaborationEnabled {
		return
	}
	c.collaborationEnabled = true
	c.client = session.NewClient(c.hubURL, c.doc.UserID(), c.log.Named("session"))
	c.client.OnSyncResponse = c.onSyncResponse
	c.client.OnChange = c.onRemoteBlob
	c.client.OnPresence = c.onPresenceMessage
	c.client.OnConnectionChange = c.onConnectionChange
	c.client.Start(ctx)
}

// DisableCollaboration drops the connection. Local editing continues; the
// replicated document retains its state for a later re-enable.
func (c *Coordinator) DisableCollaboration() {
	c.mu.Lock()
	client := c.client
	c.collaborationEnabled = false
	c.client = nil
	c.mu.Unlock()
	if client != nil {
		client.Close()
	}
}

// onLocalCommand is the history tree's collaboration callback: it mirrors
// every locally executed command into the replicated document and broadcasts
// the delta. Invoked with the coordinator lock held.
func (c *Coordinator) onLocalCommand(cmd command.Command) {
	if c.isApplyingRemoteChange || !c.collaborationEnabled {
		return
	}
	blob := c.doc.ExecuteLocalCommand(cmd)
	if blob != nil && c.client != nil {
		c.client.SendChange(blob)
	}
}

// onSyncResponse handles the hub's answer to the handshake. The document
// state is always loaded first; the first joiner then re-plays its local
// store into the shared document and broadcasts that change.
func (c *Coordinator) onSyncResponse(state []byte, isFirstUser bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isApplyingRemoteChange = true
	if isFirstUser {
		// A fresh session holds no curves: the local store is replayed below
		// rather than overwritten by the empty state.
		c.doc.OnRemoteChange = nil
	}
	rebroadcast, err := c.doc.Load(state, isFirstUser)
	c.doc.OnRemoteChange = c.onRemoteCurves
	c.isApplyingRemoteChange = false
	if err != nil {
		c.log.Warn("discarding sync response", zap.Error(err))
		return
	}
	if isFirstUser {
		cmd := command.NewLoadCurves(c.store.Curves(), nil)
		if blob := c.doc.ExecuteLocalCommand(cmd); blob != nil && c.client != nil {
			c.client.SendChange(blob)
		}
	} else if rebroadcast != nil && c.client != nil {
		// Changes made while disconnected reach the hub here.
		c.client.SendChange(rebroadcast)
	}
	c.publishPresence(nil)
}

// onRemoteBlob ingests a peer's change blob.
func (c *Coordinator) onRemoteBlob(changes []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isApplyingRemoteChange = true
	c.doc.ApplyRemoteChanges(changes)
	c.isApplyingRemoteChange = false
}

// onRemoteCurves fires when a remote change altered the curve set. The new
// state is applied as a remote overwrite, outside the local tree: from here
// on the local and shared histories diverge, which is accepted.
func (c *Coordinator) onRemoteCurves(curves []*curve.Curve) {
	c.applyReconstructed(curves)
}

// applyReconstructed swaps in externally determined curve state and
// reconciles the selection. Invoked with the coordinator lock held.
func (c *Coordinator) applyReconstructed(curves []*curve.Curve) {
	wasApplying := c.isApplyingRemoteChange
	c.isApplyingRemoteChange = true
	cmd := command.NewRemoteOverwrite(curves)
	c.tree.ExecuteRemoteCommand(cmd)
	c.isApplyingRemoteChange = wasApplying
	// The previous selection may be gone; the store fell back to the first
	// curve if so.
	c.pushPointsAndRender()
}

func (c *Coordinator) onPresence(map[string]document.User) {
	c.render()
}

func (c *Coordinator) onPresenceMessage(session.Presence) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.render()
}

func (c *Coordinator) onConnectionChange(connected bool) {
	if connected {
		c.log.Info("session connected")
	} else {
		c.log.Info("session disconnected")
	}
}

// publishPresence pushes the local cursor and selection to peers, both as a
// durable CRDT record and as an ephemeral presence message. Invoked with the
// coordinator lock held.
func (c *Coordinator) publishPresence(cursor *curve.Point) {
	if !c.collaborationEnabled || c.client == nil {
		return
	}
	if blob := c.doc.UpdatePresence(cursor, c.store.ActiveID(), c.userName); blob != nil {
		c.client.SendChange(blob)
	}
	c.client.SendPresence(session.Presence{
		Type:          "cursor",
		UserID:        c.doc.UserID(),
		Cursor:        cursor,
		ActiveCurveID: c.store.ActiveID(),
	})
}

// +-----------+
// | Rendering |
// +-----------+

// afterHistoryChange reconciles the selection with the affected curve and
// refreshes the outside world. Invoked with the coordinator lock held.
func (c *Coordinator) afterHistoryChange(affectedCurveID string) {
	if affectedCurveID != "" {
		c.store.SetActive(affectedCurveID)
	}
	c.pushPointsAndRender()
}

func (c *Coordinator) pushPointsAndRender() {
	if c.input != nil {
		c.input.SetPoints(c.store.ActivePoints())
	}
	c.render()
}

func (c *Coordinator) render() {
	if c.renderer == nil {
		return
	}
	c.renderer.Render(RenderState{
		Curves:        c.store.Snapshot(),
		ActiveCurveID: c.store.ActiveID(),
	})
}
