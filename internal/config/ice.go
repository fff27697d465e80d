package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/pion/webrtc/v4"
	"gopkg.in/yaml.v3"
)

// ICEServer is one STUN or TURN entry of the ICE configuration file.
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// iceFile is the YAML layout:
//
//	servers:
//	  - urls: ["stun:stun.l.google.com:19302"]
//	  - urls: ["turn:turn.example.org:3478?transport=tcp"]
//	    username: alice
//	    credential: secret
type iceFile struct {
	Servers []ICEServer `yaml:"servers"`
}

// DefaultICEServers returns public STUN servers only. TURN relays always
// come from configuration.
func DefaultICEServers() []ICEServer {
	return []ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"}},
	}
}

// LoadICEServers parses an ICE configuration file.
func LoadICEServers(path string) ([]ICEServer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ICE config: %w", err)
	}
	return ParseICEServers(data)
}

// ParseICEServers parses the YAML body of an ICE configuration file.
func ParseICEServers(data []byte) ([]ICEServer, error) {
	var f iceFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse ICE config: %w", err)
	}
	if len(f.Servers) == 0 {
		return nil, errors.New("parse ICE config: no servers listed")
	}
	for i, s := range f.Servers {
		if len(s.URLs) == 0 {
			return nil, fmt.Errorf("parse ICE config: server %d has no urls", i)
		}
	}
	return f.Servers, nil
}

// WebRTCServers converts the configuration entries for pion.
func WebRTCServers(servers []ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		entry := webrtc.ICEServer{URLs: append([]string(nil), s.URLs...)}
		if s.Username != "" || s.Credential != "" {
			entry.Username = s.Username
			entry.Credential = s.Credential
			entry.CredentialType = webrtc.ICECredentialTypePassword
		}
		out = append(out, entry)
	}
	return out
}
