// Package testutil contains helper builders and utilities used across tests
// to reduce boilerplate when constructing threads, raw tool calls and event
// logs. They are not intended for production usage.
package testutil
