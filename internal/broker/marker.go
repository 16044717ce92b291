package broker

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// RecoveryPrefix starts every comment written on a recovery leg
	RecoveryPrefix = "REC_"
	// LegacyRecoveryPrefix is the older tag still found on live accounts
	LegacyRecoveryPrefix = "RECOVERY_"
	// DefaultBaseMagic is the magic number used for recovery legs and manual trades
	DefaultBaseMagic = 234000
	// ManualGroup is the group assigned to positions opened outside an arbitrage group
	ManualGroup = "manual"
	// MaxCommentLength is the comment size most MT-style brokers keep
	MaxCommentLength = 31
)

// RecoveryMarker identifies the original position a recovery leg hedges
type RecoveryMarker struct {
	Group          string
	OriginalSymbol string
	OriginalTicket int64
}

// Comment encodes the marker as REC_{group}_{symbol}_{ticket}. Long groups
// or tickets can exceed MaxCommentLength; a broker that truncates the
// comment leaves a leg ParseRecoveryComment cannot read back, so the leg is
// not adopted after a restart. Check Fits before relying on adoption.
func (m RecoveryMarker) Comment() string {
	return fmt.Sprintf("%s%s_%s_%d", RecoveryPrefix, m.Group, m.OriginalSymbol, m.OriginalTicket)
}

// Fits reports whether the encoded comment survives a MaxCommentLength broker
func (m RecoveryMarker) Fits() bool {
	return len(m.Comment()) <= MaxCommentLength
}

// IsRecoveryComment reports whether a position comment tags a recovery leg
func IsRecoveryComment(comment string) bool {
	return strings.HasPrefix(comment, RecoveryPrefix) || strings.HasPrefix(comment, LegacyRecoveryPrefix)
}

// ParseRecoveryComment decodes a comment written by RecoveryMarker.Comment.
// The group may itself contain underscores, so fields are taken from the right.
// Legacy RECOVERY_ tags carry no original ticket and are rejected; Sync
// reports such legs as stranded.
func ParseRecoveryComment(comment string) (RecoveryMarker, error) {
	if !strings.HasPrefix(comment, RecoveryPrefix) {
		return RecoveryMarker{}, fmt.Errorf("comment %q is not a recovery marker", comment)
	}
	body := strings.TrimPrefix(comment, RecoveryPrefix)

	i := strings.LastIndex(body, "_")
	if i <= 0 {
		return RecoveryMarker{}, fmt.Errorf("comment %q has no original ticket", comment)
	}
	ticket, err := strconv.ParseInt(body[i+1:], 10, 64)
	if err != nil {
		return RecoveryMarker{}, fmt.Errorf("comment %q has invalid ticket: %w", comment, err)
	}
	body = body[:i]

	j := strings.LastIndex(body, "_")
	if j <= 0 || j == len(body)-1 {
		return RecoveryMarker{}, fmt.Errorf("comment %q has no original symbol", comment)
	}

	return RecoveryMarker{
		Group:          body[:j],
		OriginalSymbol: body[j+1:],
		OriginalTicket: ticket,
	}, nil
}

// GroupFromMagic maps a position's magic number to its arbitrage group.
// Magic baseMagic+N belongs to triangle N; anything else is manual.
func GroupFromMagic(magic, baseMagic int) string {
	if magic > baseMagic {
		return fmt.Sprintf("triangle_%d", magic-baseMagic)
	}
	return ManualGroup
}
