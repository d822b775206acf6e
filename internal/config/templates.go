package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "service", "serve":
		return serviceTemplate, nil
	case "profile", "collect":
		return profileTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const serviceTemplate = `name = "tdnctl"
addr = ":9300"
cors_origins = ["http://localhost:3000"]
auth_tokens = []

[notary]
url = "https://notary.example.com"
connect_timeout = "10s"
handshake_timeout = "10s"
request_timeout = "30s"

[proxy]
url = "wss://proxy.example.com"
listen = ":9301"
allow = ["api.example.com:443"]
dial_timeout = "10s"

[collector]
ca_file = ""
abandon_grace = "2s"
max_sent_data = 4096
max_recv_data = 16384
`

const profileTemplate = `target_url = "https://api.example.com/v1/balance"
commitment_pwd_proof_base64 = ""
pub_key_consumer_base64 = ""
delay = "0s"
timeout = "2m"
ca_file = ""

[options]
notary_url = "https://notary.example.com"
websocket_proxy_url = "wss://proxy.example.com?token=api.example.com"
method = "GET"
max_sent_data = 4096
max_recv_data = 16384

[[options.headers]]
name = "Accept"
value = "application/json"
`
