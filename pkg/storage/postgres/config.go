package postgres

import (
	"fmt"
	"strings"
)

type Config struct {
	User     string
	Password string
	Host     string
	Port     string
	DBName   string
}

func (c *Config) ConString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", c.User, c.Password, c.Host, c.Port, c.DBName)
}

// String renders the config with the password masked, safe for logging.
func (c Config) String() string {
	c.Password = strings.Repeat("*", len(c.Password))
	return fmt.Sprintf("%#v", c)
}

func (c *Config) IsValid() bool {
	return c.User != "" && c.Password != "" && c.Host != "" && c.Port != "" && c.DBName != ""
}
