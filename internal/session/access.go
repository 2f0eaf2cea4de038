package session

import "exec-gateway/internal/storage"

// IsOwner reports whether principal owns s. Only the owner may change
// metadata, membership or delete the session.
func IsOwner(s *storage.Session, principal string) bool {
	return principal != "" && s.OwnerID == principal
}

// CanWrite allows file edits to the owner and collaborators.
func CanWrite(s *storage.Session, principal string) bool {
	return principal != "" && s.HasMember(principal)
}

// CanRead allows reading and executing to members and, for public sessions,
// to anyone.
func CanRead(s *storage.Session, principal string) bool {
	return s.IsPublic || CanWrite(s, principal)
}
