package flow

// MethodTrustedEndpoint tags a flow whose user was vouched for by a verified
// managed device. First writer wins: a later authenticator in the same flow
// must not overwrite an already-set method.
const MethodTrustedEndpoint = "trusted_endpoint"

type StageBinding struct {
	Stage string `json:"stage"`
	Order int    `json:"order"`
}

// MethodArgs accumulates auxiliary evidence gathered while the flow runs.
// Endpoints collects the claims of every device verified during this flow;
// Extra is the extension bag for stage-specific values.
type MethodArgs struct {
	Endpoints []map[string]any `json:"endpoints,omitempty"`
	Extra     map[string]any   `json:"extra,omitempty"`
}

type Context struct {
	PendingUserPK *int64     `json:"pending_user,omitempty"`
	Method        string     `json:"method,omitempty"`
	MethodArgs    MethodArgs `json:"method_args"`
}

// Plan is one in-progress authentication attempt: the ordered stage bindings
// plus the mutable context shared between stages. It lives in session storage
// from flow start until completion or expiry.
type Plan struct {
	FlowSlug string         `json:"flow_slug"`
	Bindings []StageBinding `json:"bindings"`
	Context  Context        `json:"context"`
}

// FirstStage returns the stage of the lowest-order binding.
func (p *Plan) FirstStage() (string, bool) {
	if len(p.Bindings) == 0 {
		return "", false
	}
	first := p.Bindings[0]
	for _, binding := range p.Bindings[1:] {
		if binding.Order < first.Order {
			first = binding
		}
	}
	return first.Stage, true
}

func (c *Context) SetMethodIfUnset(method string) {
	if c.Method == "" {
		c.Method = method
	}
}

func (c *Context) AppendEndpoint(claims map[string]any) {
	if c.MethodArgs.Endpoints == nil {
		c.MethodArgs.Endpoints = []map[string]any{}
	}
	c.MethodArgs.Endpoints = append(c.MethodArgs.Endpoints, claims)
}
