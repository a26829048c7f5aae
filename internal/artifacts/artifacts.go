package artifacts

import _ "embed"

// DefaultConfig is the configuration template written to a fresh config
// directory. It also supplies the defaults of every setting.
//
//go:embed global/config.yaml
var DefaultConfig []byte
