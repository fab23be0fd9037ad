/*
Package ingestq documents the ingestq module.

This module is CLI-first and ships the ingestq command:

	go install github.com/nuetzliches/ingestq/cmd/ingestq@latest

Most implementation packages in this repository are internal and are not a
stable public Go API.
*/
package ingestq
