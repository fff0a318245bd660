package mcpconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/k8sops/k8sops/internal/engine"

	"github.com/xeipuuv/gojsonschema"
)

// ErrNotConnected is returned by CallTool before Connect or after Disconnect.
var ErrNotConnected = errors.New("mcpconn: not connected")

// DefaultDisconnectTimeout bounds how long Disconnect waits for the
// background task before force-cancelling it.
const DefaultDisconnectTimeout = 5 * time.Second

// ToolDefinition describes one discovered tool. The set is immutable once
// discovered; it only changes by reconnecting.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// session is the protocol-level handle the background task owns. The real
// implementation wraps an MCP client; tests substitute fakes.
type session interface {
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
	Close() error
}

// dialFunc performs the full handshake: open the transport, initialize the
// protocol, and discover tools. It must honor ctx cancellation.
type dialFunc func(ctx context.Context) (session, []ToolDefinition, error)

// ToolConnection owns one connection to one tool server. The handshake is
// inherently asynchronous (subprocess spawn or HTTP streaming upgrade), so it
// runs in a background goroutine; Connect blocks on a one-shot ready signal
// and Disconnect on a one-shot stop signal. The ready signal fires exactly
// once, on success or failure, so a caller never blocks forever.
type ToolConnection struct {
	dial              dialFunc
	disconnectTimeout time.Duration

	mu          sync.Mutex
	started     bool
	connected   bool
	ready       chan struct{}
	stop        chan struct{}
	stopOnce    sync.Once
	done        chan struct{}
	forceCancel context.CancelFunc
	connectErr  error
	sess        session
	tools       []ToolDefinition
	schemas     []engine.ToolSchema
	validators  map[string]*gojsonschema.Schema
}

// New creates a ToolConnection for the given transport options.
func New(opts Options) *ToolConnection {
	return &ToolConnection{
		dial:              newMCPDialFunc(opts),
		disconnectTimeout: opts.disconnectTimeoutOrDefault(),
	}
}

// newWithDialer is the test seam: it lets tests simulate hung or failing
// handshakes without a real tool server.
func newWithDialer(dial dialFunc, disconnectTimeout time.Duration) *ToolConnection {
	if disconnectTimeout <= 0 {
		disconnectTimeout = DefaultDisconnectTimeout
	}
	return &ToolConnection{dial: dial, disconnectTimeout: disconnectTimeout}
}

// Connect starts the background handshake task and blocks until it signals
// ready or ctx is done. A handshake failure is captured by the background
// task and re-raised here, never thrown from the task itself.
func (c *ToolConnection) Connect(ctx context.Context) ([]ToolDefinition, error) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil, fmt.Errorf("mcpconn: already connected")
	}
	c.started = true
	c.ready = make(chan struct{})
	c.stop = make(chan struct{})
	c.done = make(chan struct{})

	bgCtx, cancel := context.WithCancel(context.Background())
	c.forceCancel = cancel
	c.mu.Unlock()

	go c.run(bgCtx)

	select {
	case <-c.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr != nil {
		return nil, fmt.Errorf("mcpconn: handshake failed: %w", c.connectErr)
	}

	if err := c.compileSchemas(); err != nil {
		return nil, err
	}
	c.connected = true
	return c.tools, nil
}

// run is the background task. It fires the ready signal exactly once, even
// if the dial panics, then keeps the session alive until stop fires.
func (c *ToolConnection) run(ctx context.Context) {
	defer close(c.done)

	var readyOnce sync.Once
	signalReady := func() { readyOnce.Do(func() { close(c.ready) }) }
	defer signalReady()

	defer func() {
		if r := recover(); r != nil {
			c.mu.Lock()
			c.connectErr = fmt.Errorf("handshake panicked: %v", r)
			c.mu.Unlock()
		}
	}()

	sess, tools, err := c.dial(ctx)

	c.mu.Lock()
	c.sess = sess
	c.tools = tools
	c.connectErr = err
	c.mu.Unlock()

	signalReady()
	if err != nil {
		return
	}

	select {
	case <-c.stop:
	case <-ctx.Done():
	}

	if err := sess.Close(); err != nil {
		log.Printf("mcpconn: session close: %v", err)
	}
}

// Disconnect fires the stop signal and waits for the background task to
// unwind. Past the timeout it force-cancels the task rather than hanging the
// caller; a handshake that never completed is abandoned without error.
func (c *ToolConnection) Disconnect() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	stop := c.stop
	done := c.done
	cancel := c.forceCancel
	c.mu.Unlock()

	c.stopOnce.Do(func() { close(stop) })

	select {
	case <-done:
		return nil
	case <-time.After(c.disconnectTimeout):
	}

	cancel()
	select {
	case <-done:
	case <-time.After(c.disconnectTimeout):
		log.Printf("mcpconn: background task did not exit after force-cancel")
	}
	return nil
}

// CallTool validates args against the tool's discovered schema and executes
// it on the server, returning the textual result.
func (c *ToolConnection) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	c.mu.Lock()
	if !c.connected || c.sess == nil {
		c.mu.Unlock()
		return "", ErrNotConnected
	}
	sess := c.sess
	validator := c.validators[name]
	known := false
	for _, t := range c.tools {
		if t.Name == name {
			known = true
			break
		}
	}
	c.mu.Unlock()

	if !known {
		return "", fmt.Errorf("mcpconn: unknown tool %q", name)
	}

	if validator != nil {
		result, err := validator.Validate(gojsonschema.NewGoLoader(args))
		if err != nil {
			return "", fmt.Errorf("mcpconn: validating args for %s: %w", name, err)
		}
		if !result.Valid() {
			var problems []string
			for _, e := range result.Errors() {
				problems = append(problems, e.String())
			}
			return "", fmt.Errorf("mcpconn: invalid args for %s: %s", name, strings.Join(problems, "; "))
		}
	}

	return sess.CallTool(ctx, name, args)
}

// Tools returns the cached tool definitions from the last successful connect.
func (c *ToolConnection) Tools() []ToolDefinition {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ToolDefinition, len(c.tools))
	copy(out, c.tools)
	return out
}

// Schemas returns the tool set pre-adapted to the calling convention the
// model expects, cached for the connection's lifetime.
func (c *ToolConnection) Schemas() []engine.ToolSchema {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]engine.ToolSchema, len(c.schemas))
	copy(out, c.schemas)
	return out
}

// Connected reports whether the connection is usable.
func (c *ToolConnection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close implements the Closeable teardown contract.
func (c *ToolConnection) Close() error {
	return c.Disconnect()
}

// compileSchemas builds the model-facing schemas and the per-tool validators.
// Called with c.mu held.
func (c *ToolConnection) compileSchemas() error {
	c.schemas = make([]engine.ToolSchema, 0, len(c.tools))
	c.validators = make(map[string]*gojsonschema.Schema, len(c.tools))

	for _, t := range c.tools {
		schema := t.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		raw, err := json.Marshal(schema)
		if err != nil {
			return fmt.Errorf("mcpconn: marshaling schema for %s: %w", t.Name, err)
		}
		c.schemas = append(c.schemas, engine.ToolSchema{
			Name:        t.Name,
			Description: t.Description,
			JSONSchema:  string(raw),
		})

		compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			// A schema the validator cannot compile still gets forwarded
			// to the model; we just skip local validation for it.
			log.Printf("mcpconn: schema for %s not validatable: %v", t.Name, err)
			continue
		}
		c.validators[t.Name] = compiled
	}
	return nil
}
