// Package auth defines the identity and role vocabulary for Trellis.
//
// A principal reaching the engine has already been authenticated by the
// transport layer; this package defines what the engine needs from it: a
// unique username and a global admin flag. Roles are the per-resource
// permission vocabulary {read, write, admin} held in each organization's and
// project's permissions map. Higher roles imply the lower ones: admin implies
// write, write implies read.
package auth
