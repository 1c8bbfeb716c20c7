package schema

import _ "embed"

// WardenV1Schema contains the JSON schema for warden manifests.
//
//go:embed warden.v1.json
var WardenV1Schema []byte
