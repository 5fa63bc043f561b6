package domain

// ContextType enumerates the EvaluationContext.Type values the
// control plane understands (spec §3).
type ContextType string

const (
	ContextUser         ContextType = "user"
	ContextDevice       ContextType = "device"
	ContextApp          ContextType = "app"
	ContextSession      ContextType = "session"
	ContextOrganization ContextType = "organization"
	ContextCustom       ContextType = "custom"
)

// EvaluationContext is one dimension of identity or environment sent
// alongside the user on every config fetch.
type EvaluationContext struct {
	Type             ContextType    `json:"type"`
	Key              string         `json:"key"`
	Name             string         `json:"name,omitempty"`
	Properties       map[string]any `json:"properties,omitempty"`
	PrivateAttributes []string      `json:"private_attributes,omitempty"`
}

// DeviceContext and ApplicationInfo are opaque, host-supplied
// property bags forwarded to the control plane. The SDK never
// inspects their contents.
type DeviceContext struct {
	Properties map[string]any `json:"properties,omitempty"`
}

type ApplicationInfo struct {
	Properties map[string]any `json:"properties,omitempty"`
}

// CFUser is immutable: every mutator below returns a new value
// instead of modifying the receiver, so a Client can safely hand the
// same *CFUser to concurrent readers (fetcher, session manager)
// without synchronizing on it.
type CFUser struct {
	CustomerID  string
	Anonymous   bool
	Properties  map[string]any
	Contexts    []EvaluationContext
	Device      *DeviceContext
	Application *ApplicationInfo

	privateAttributes map[string]struct{}
	sessionAttributes map[string]struct{}
}

// NewUser builds a CFUser for an identified customer.
func NewUser(customerID string) *CFUser {
	return &CFUser{CustomerID: customerID, Properties: map[string]any{}}
}

// NewAnonymousUser builds a CFUser with no stable identity.
func NewAnonymousUser() *CFUser {
	return &CFUser{Anonymous: true, Properties: map[string]any{}}
}

// WithProperty returns a copy of u with key=value merged into
// Properties. Used by the host-facing AddUserProperty call.
func (u *CFUser) WithProperty(key string, value any) *CFUser {
	clone := u.clone()
	clone.Properties[key] = value
	return clone
}

// WithPrivateAttribute marks key as private. Storage-only in this
// SDK: the set is tracked and carried on the user, but ToWireMap does
// not drop private attributes from outbound payloads.
func (u *CFUser) WithPrivateAttribute(key string) *CFUser {
	clone := u.clone()
	if clone.privateAttributes == nil {
		clone.privateAttributes = map[string]struct{}{}
	}
	clone.privateAttributes[key] = struct{}{}
	return clone
}

func (u *CFUser) WithSessionAttribute(key string) *CFUser {
	clone := u.clone()
	if clone.sessionAttributes == nil {
		clone.sessionAttributes = map[string]struct{}{}
	}
	clone.sessionAttributes[key] = struct{}{}
	return clone
}

func (u *CFUser) clone() *CFUser {
	out := &CFUser{
		CustomerID:  u.CustomerID,
		Anonymous:   u.Anonymous,
		Properties:  make(map[string]any, len(u.Properties)),
		Contexts:    append([]EvaluationContext(nil), u.Contexts...),
		Device:      u.Device,
		Application: u.Application,
	}
	for k, v := range u.Properties {
		out.Properties[k] = v
	}
	if u.privateAttributes != nil {
		out.privateAttributes = make(map[string]struct{}, len(u.privateAttributes))
		for k := range u.privateAttributes {
			out.privateAttributes[k] = struct{}{}
		}
	}
	if u.sessionAttributes != nil {
		out.sessionAttributes = make(map[string]struct{}, len(u.sessionAttributes))
		for k := range u.sessionAttributes {
			out.sessionAttributes[k] = struct{}{}
		}
	}
	return out
}

// ToWireMap renders the user the way the control plane expects it in
// the `user` field of every request body (spec §4.3, §6).
func (u *CFUser) ToWireMap() map[string]any {
	m := map[string]any{
		"anonymous":  u.Anonymous,
		"properties": u.Properties,
	}
	if u.CustomerID != "" {
		m["user_customer_id"] = u.CustomerID
	}
	if len(u.Contexts) > 0 {
		m["contexts"] = u.Contexts
	}
	if u.Device != nil {
		m["device"] = u.Device.Properties
	}
	if u.Application != nil {
		m["application_info"] = u.Application.Properties
	}
	return m
}
