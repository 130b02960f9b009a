// Package policy resolves actors to roles and decides whether a role may run
// a given command. Decisions fail closed: unknown actors, unknown commands,
// and unlisted roles are all denied.
package policy

import "strings"

// Role names. viewer is read-only and can run no commands; it exists for the
// diagnostic endpoints.
const (
	RoleOwner    = "owner"
	RoleOperator = "operator"
	RoleBot      = "bot"
	RoleViewer   = "viewer"
)

// Actor prefix conventions. An actor id like "owner:333" carries its role in
// the prefix; operator actors are resolved through the configured key table.
const (
	prefixOwner = "owner:"
	prefixBot   = "bot:"
)

// Role couples a role name with its permission patterns. A pattern is either
// an exact command name or a namespace wildcard such as "REPLAY.*".
type Role struct {
	Name        string
	Permissions []string
}

var rolePermissions = map[string][]string{
	RoleOwner:    {"REPLAY.*", "HUD.*", "RELIC.*", "BROADCAST.*", "MINT.*"},
	RoleOperator: {"REPLAY.*", "HUD.*", "BROADCAST.PULSE", "MINT.GATE.OPEN", "MINT.GATE.CLOSE"},
	RoleBot:      {"BROADCAST.PULSE"},
	RoleViewer:   {},
}

// commandRoles is the fixed allow-list per command type. This table is part
// of the wire contract; RELIC.EVOLVE.TRIGGER stays owner-only.
var commandRoles = map[string][]string{
	"REPLAY.START":         {RoleOwner, RoleOperator},
	"REPLAY.STOP":          {RoleOwner, RoleOperator},
	"HUD.DECODE.ENABLE":    {RoleOwner, RoleOperator},
	"HUD.DECODE.DISABLE":   {RoleOwner, RoleOperator},
	"RELIC.EVOLVE.TRIGGER": {RoleOwner},
	"BROADCAST.PULSE":      {RoleOwner, RoleOperator, RoleBot},
	"MINT.GATE.OPEN":       {RoleOwner, RoleOperator},
	"MINT.GATE.CLOSE":      {RoleOwner, RoleOperator},
}

// Engine holds the static actor→role table loaded at startup.
type Engine struct {
	actorRoles map[string]string
}

// NewEngine builds an engine from "key:role" pairs, e.g.
// "abc:operator,k333:owner". Keys match either the full actor string or the
// part after the first colon in the actor id.
func NewEngine(operatorKeys string) *Engine {
	e := &Engine{actorRoles: make(map[string]string)}
	for _, pair := range strings.Split(operatorKeys, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, role, ok := strings.Cut(pair, ":")
		if !ok || key == "" {
			continue
		}
		if _, known := rolePermissions[role]; !known {
			continue
		}
		e.actorRoles[key] = role
	}
	return e
}

// GetActorRole resolves an actor id to its Role, or nil when unknown.
// Resolution order: exact table match, table match on the id part after the
// actor prefix, then the owner:/bot: prefix conventions.
func (e *Engine) GetActorRole(actor string) *Role {
	if actor == "" {
		return nil
	}
	if name, ok := e.actorRoles[actor]; ok {
		return roleByName(name)
	}
	if _, id, ok := strings.Cut(actor, ":"); ok && id != "" {
		if name, ok := e.actorRoles[id]; ok {
			return roleByName(name)
		}
	}
	if strings.HasPrefix(actor, prefixOwner) {
		return roleByName(RoleOwner)
	}
	if strings.HasPrefix(actor, prefixBot) {
		return roleByName(RoleBot)
	}
	return nil
}

// ValidateCommand reports whether the actor's role appears in the command's
// allow-list. Unknown actor or unknown command type denies.
func (e *Engine) ValidateCommand(actor, commandType string) bool {
	role := e.GetActorRole(actor)
	if role == nil {
		return false
	}
	allowed, ok := commandRoles[commandType]
	if !ok {
		return false
	}
	for _, name := range allowed {
		if name == role.Name {
			return true
		}
	}
	return false
}

// HasPermission checks the actor's role patterns against a permission string.
// A role pattern ending in ".*" grants every permission sharing its prefix.
func (e *Engine) HasPermission(actor, permission string) bool {
	role := e.GetActorRole(actor)
	if role == nil || permission == "" {
		return false
	}
	for _, pattern := range role.Permissions {
		if matchPermission(pattern, permission) {
			return true
		}
	}
	return false
}

// KnownCommand reports whether the command type belongs to the closed set.
func KnownCommand(commandType string) bool {
	_, ok := commandRoles[commandType]
	return ok
}

// CommandTypes returns the closed command vocabulary.
func CommandTypes() []string {
	out := make([]string, 0, len(commandRoles))
	for t := range commandRoles {
		out = append(out, t)
	}
	return out
}

func matchPermission(pattern, permission string) bool {
	if ns, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(permission, ns+".")
	}
	return pattern == permission
}

func roleByName(name string) *Role {
	perms, ok := rolePermissions[name]
	if !ok {
		return nil
	}
	return &Role{Name: name, Permissions: perms}
}
