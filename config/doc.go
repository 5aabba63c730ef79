// Package config loads service settings from an optional .env file and the
// process environment. Environment variables win over the file.
package config
