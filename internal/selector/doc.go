// Package selector narrows the tool catalog to the domains relevant for one
// turn. Each rule scores domains independently and a domain is offered when its
// score reaches the threshold.
package selector
