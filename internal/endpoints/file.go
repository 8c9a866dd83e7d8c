package endpoints

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type fileEndpoint struct {
	Name         string `yaml:"name"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	IdentityFile string `yaml:"identity_file"`
	PasswordEnv  string `yaml:"password_env"`
}

type fileFormat struct {
	Endpoints []fileEndpoint `yaml:"endpoints"`
}

// LoadFile reads a YAML endpoints file:
//
//	endpoints:
//	  - name: web-01
//	    host: 10.0.0.5
//	    port: 22
//	    user: deploy
//	    identity_file: /app/data/keys/web.key
//	    password_env: WEB01_PASSWORD
//
// Port defaults to 22 and user to defaultUser. Passwords are never stored in
// the file; password_env names an environment variable holding it.
func LoadFile(path, defaultUser string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read endpoints file: %w", err)
	}

	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse endpoints file %s: %w", path, err)
	}

	eps := make([]Endpoint, 0, len(f.Endpoints))
	for _, fe := range f.Endpoints {
		ep := Endpoint{
			Name:         fe.Name,
			Host:         fe.Host,
			Port:         fe.Port,
			User:         fe.User,
			IdentityFile: fe.IdentityFile,
		}
		if ep.Port == 0 {
			ep.Port = DefaultPort
		}
		if ep.User == "" {
			ep.User = defaultUser
		}
		if fe.PasswordEnv != "" {
			ep.Password = os.Getenv(fe.PasswordEnv)
		}
		eps = append(eps, ep)
	}

	reg, err := NewRegistry(eps...)
	if err != nil {
		return nil, fmt.Errorf("endpoints file %s: %w", path, err)
	}
	return reg, nil
}
