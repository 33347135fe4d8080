// Package tier defines the four release tiers a call can be registered with
// and the fixed stage sequence the stage clock walks through. Both are small
// ordered enums; the ordinal is the urgency, so comparisons like
// `a < b` read as "a is released before b".
package tier
