// Package config provides centralized configuration management for the
// SentientExchange runtime: listen addresses, storage and queue drivers,
// payment network definitions and discovery tuning, loaded from a JSON file
// with sensible defaults applied for anything left unset.
package config
