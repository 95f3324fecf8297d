package domain

import (
	"fmt"
	"unicode"
	"unicode/utf8"
)

// Tag is a capability marker attached to templates. Users describe the
// workstation they want as a set of tag names.
type Tag struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// EngineType classifies hypervisor nodes (e.g. "proxmox").
type EngineType struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Engine is a running hypervisor node exposing the VM lifecycle RPC surface.
// MaxResources bounds placement; keys are a superset of every hosted
// template's requirement keys.
type Engine struct {
	ID                 string      `json:"id"`
	Name               string      `json:"name"`
	Port               int         `json:"port"`
	TypeID             string      `json:"type_id"`
	AvailableResources ResourceMap `json:"available_resources"`
	MaxResources       ResourceMap `json:"max_resources"`
}

// Host is a physical machine carrying one or more engines. An engine is
// reachable at http://host.ip:engine.port/api/v1.
type Host struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	IPAddress string   `json:"ip_address"`
	EngineIDs []string `json:"engine_ids"`
}

// EngineURL builds the RPC endpoint for an engine exposed by this host.
func (h *Host) EngineURL(e *Engine) string {
	return fmt.Sprintf("http://%s:%d/api/v1", h.IPAddress, e.Port)
}

// Template describes an immutable VM image available on engines of the
// allowed types. InternalName is the image name on the hypervisor side.
type Template struct {
	ID                   string      `json:"id"`
	Name                 string      `json:"name"`
	InternalName         string      `json:"internal_name"`
	Description          string      `json:"description"`
	AllowedEngineTypeIDs []string    `json:"allowed_engine_type_ids"`
	TagIDs               []string    `json:"tag_ids"`
	ResourceRequirements ResourceMap `json:"resource_requirements"`
}

// AllowsEngineType reports whether the template may run on the given type.
func (t *Template) AllowsEngineType(typeID string) bool {
	for _, id := range t.AllowedEngineTypeIDs {
		if id == typeID {
			return true
		}
	}
	return false
}

// HasTag reports whether the template carries the tag.
func (t *Template) HasTag(tagID string) bool {
	for _, id := range t.TagIDs {
		if id == tagID {
			return true
		}
	}
	return false
}

// User is the minimal identity the coordinator needs; authentication lives
// in the web layer.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Capitalize upper-cases the first rune, matching the VM naming convention.
func Capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError && size <= 1 {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
