// Package chatsync defines the neutral contracts shared by the chat
// synchronization layer and its record-store backends: raw records and live
// record events, validated identities and conversations, the token holder
// and collection interfaces a backend must provide, and the sentinel errors
// used across package boundaries.
package chatsync
