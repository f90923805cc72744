package strata

import "maps"

////////////////////////////////////////////////////////////////////////////////
// Env dicts
////////////////////////////////////////////////////////////////////////////////

// EnvDict is a flat name -> value environment mapping, created remotely in a
// single round trip (see Resolver.ResolveEnvDict).
type EnvDict struct {
	vars map[string]string
}

func NewEnvDict(vars map[string]string) *EnvDict {
	return &EnvDict{vars: maps.Clone(vars)}
}

// Vars returns a copy of the mapping.
func (d *EnvDict) Vars() map[string]string {
	return maps.Clone(d.vars)
}
