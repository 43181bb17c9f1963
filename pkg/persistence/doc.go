// Package persistence stores client state that survives restarts: the
// last signed-in user and the last known shadow snapshots.
//
// The snapshots only seed the display until the first get/accepted
// arrives. Credentials are never written here.
package persistence
