package model

import "strings"

type Role string

const (
	RoleDevelopment Role = "development"
	RoleStage       Role = "stage"
	RoleDatabase    Role = "database"
	RoleCache       Role = "cache"
	RoleStorage     Role = "storage"
)

// DevSuffix is the hostname suffix that marks a development service.
const DevSuffix = "dev"

func (r Role) Valid() bool {
	switch r {
	case RoleDevelopment, RoleStage, RoleDatabase, RoleCache, RoleStorage:
		return true
	}
	return false
}

// Managed reports roles the platform runs for us; there is no shell on them.
func (r Role) Managed() bool {
	return r == RoleDatabase || r == RoleCache || r == RoleStorage
}

var (
	databaseFamilies = familySet("postgresql", "mariadb", "mysql", "mongodb", "clickhouse",
		"elasticsearch", "typesense", "meilisearch", "qdrant", "nats", "kafka", "rabbitmq")
	cacheFamilies   = familySet("valkey", "keydb", "redis")
	storageFamilies = familySet("objectstorage", "object-storage", "sharedstorage", "shared-storage")
)

// RoleRule is one row of the ordered role table.
type RoleRule struct {
	Name  string
	Match func(hostname, family string) bool
	Role  Role
}

// RoleRules is evaluated top to bottom; the first match wins.
var RoleRules = []RoleRule{
	{
		Name: "dev-suffix",
		Match: func(hostname, _ string) bool {
			return len(hostname) > len(DevSuffix) && strings.HasSuffix(hostname, DevSuffix)
		},
		Role: RoleDevelopment,
	},
	{Name: "managed-database", Match: inFamily(databaseFamilies), Role: RoleDatabase},
	{Name: "managed-cache", Match: inFamily(cacheFamilies), Role: RoleCache},
	{Name: "managed-storage", Match: inFamily(storageFamilies), Role: RoleStorage},
	{Name: "default", Match: func(string, string) bool { return true }, Role: RoleStage},
}

// DeriveRole applies RoleRules to a hostname and its technology type.
func DeriveRole(hostname, serviceType string) Role {
	family := Family(serviceType)
	for _, rule := range RoleRules {
		if rule.Match(hostname, family) {
			return rule.Role
		}
	}
	return RoleStage
}

// Family strips the version from a technology type: "postgresql@16" -> "postgresql".
func Family(serviceType string) string {
	f, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(serviceType)), "@")
	return f
}

// IsManagedFamily reports technology families without a remote command channel.
func IsManagedFamily(serviceType string) bool {
	f := Family(serviceType)
	return databaseFamilies[f] || cacheFamilies[f] || storageFamilies[f]
}

func familySet(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

func inFamily(set map[string]bool) func(string, string) bool {
	return func(_, family string) bool { return set[family] }
}
