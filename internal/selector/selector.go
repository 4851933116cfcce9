package selector

import (
	"log/slog"
	"regexp"
	"strings"

	"OpenCRM-Dialog/internal/catalog"
	"OpenCRM-Dialog/internal/confirm"
	"OpenCRM-Dialog/internal/observability/metrics"
	"OpenCRM-Dialog/internal/session"
	"OpenCRM-Dialog/pkg/logger"
)

// Scores 是各域在一轮中的得分。
type Scores map[string]float64

// Scorer 根据用户输入与会话状态为各域加分。
type Scorer func(query string, sess *session.Session, scores Scores)

// DefaultThreshold 是域被选中所需的最低得分。
const DefaultThreshold = 1.0

var keywordPatterns = map[string]*regexp.Regexp{
	catalog.DomainEmail:    keywords("email", "inbox", "mail", "send"),
	catalog.DomainDeal:     keywords("deal", "pipeline", "offer", "closing"),
	catalog.DomainContact:  keywords("contact", "person", "client", "lead", "phone"),
	catalog.DomainProperty: keywords("property", "properties", "address", "house", "listing", "home"),
	catalog.DomainCalendar: keywords("calendar", "meeting", "appointment", "showing"),
	catalog.DomainTask:     keywords("task", "reminder", "todo", "follow up", "follow-up"),
}

var (
	personPattern  = regexp.MustCompile(`\b[A-Z][a-z]+\s+[A-Z][a-z]+\b`)
	addressPattern = regexp.MustCompile(`\b\d+\s+[A-Z][a-z]+`)
	actionPattern  = keywords("create", "update", "log", "change", "book", "schedule", "add")
)

func keywords(words ...string) *regexp.Regexp {
	quoted := make([]string, 0, len(words))
	for _, word := range words {
		quoted = append(quoted, regexp.QuoteMeta(word))
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)(?:s|es)?\b`)
}

// Selector 把工具目录收窄为本轮相关的子集。
type Selector struct {
	catalog   *catalog.Catalog
	threshold float64
	scorers   []Scorer
	log       *slog.Logger
}

// Option 自定义 Selector。
type Option func(*Selector)

// WithThreshold 覆盖选中阈值。
func WithThreshold(threshold float64) Option {
	return func(s *Selector) {
		if threshold > 0 {
			s.threshold = threshold
		}
	}
}

// WithScorer 追加自定义打分函数。
func WithScorer(scorer Scorer) Option {
	return func(s *Selector) {
		if scorer != nil {
			s.scorers = append(s.scorers, scorer)
		}
	}
}

// New 创建 Selector，内置的打分规则按顺序执行。
func New(c *catalog.Catalog, opts ...Option) *Selector {
	s := &Selector{
		catalog:   c,
		threshold: DefaultThreshold,
		log:       logger.Named("selector"),
	}
	s.scorers = []Scorer{
		scoreKeywords,
		scoreFocus,
		scoreRecent,
		scoreAffirmative,
		scoreNamesAndAddresses,
		s.scoreActionIntent,
		s.scorePending,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Domains 返回本轮选中的域，core 总在第一位，其余按固定顺序排列。
func (s *Selector) Domains(query string, sess *session.Session) []string {
	scores := Scores{catalog.DomainCore: s.threshold}
	for _, scorer := range s.scorers {
		scorer(query, sess, scores)
	}
	domains := []string{catalog.DomainCore}
	for _, domain := range catalog.BusinessDomains {
		if scores[domain] >= s.threshold {
			domains = append(domains, domain)
		}
	}
	return domains
}

// Select 返回本轮提供给模型的工具列表。
func (s *Selector) Select(query string, sess *session.Session) []*catalog.Descriptor {
	domains := s.Domains(query, sess)
	var tools []*catalog.Descriptor
	for _, domain := range domains {
		tools = append(tools, s.catalog.ByDomain(domain)...)
	}
	metrics.ObserveSelection(domains, len(tools))
	s.log.Debug("选择工具", "domains", domains, "tools", len(tools))
	return tools
}

func scoreKeywords(query string, _ *session.Session, scores Scores) {
	for domain, pattern := range keywordPatterns {
		if pattern.MatchString(query) {
			scores[domain]++
		}
	}
}

func scoreFocus(_ string, sess *session.Session, scores Scores) {
	if sess == nil || sess.Focus == nil {
		return
	}
	if domain := catalog.DomainForKind(sess.Focus.Kind); domain != "" {
		scores[domain]++
	}
}

func scoreRecent(_ string, sess *session.Session, scores Scores) {
	if sess == nil {
		return
	}
	for _, kind := range session.Kinds {
		if sess.HasRecent(kind) {
			scores[catalog.DomainForKind(kind)]++
		}
	}
}

func scoreAffirmative(query string, sess *session.Session, scores Scores) {
	if sess == nil || !confirm.IsAffirmative(query) {
		return
	}
	propertyFocus := sess.Focus != nil && sess.Focus.Kind == session.KindProperty
	if propertyFocus || sess.HasRecent(session.KindProperty) {
		scores[catalog.DomainProperty]++
		scores[catalog.DomainTask]++
	}
}

func scoreNamesAndAddresses(query string, _ *session.Session, scores Scores) {
	if personPattern.MatchString(query) {
		scores[catalog.DomainContact]++
	}
	if addressPattern.MatchString(query) {
		scores[catalog.DomainProperty]++
	}
}

func (s *Selector) scoreActionIntent(query string, _ *session.Session, scores Scores) {
	if !actionPattern.MatchString(query) {
		return
	}
	for _, domain := range catalog.BusinessDomains {
		scores[domain] += s.threshold
	}
}

func (s *Selector) scorePending(_ string, sess *session.Session, scores Scores) {
	if sess == nil || sess.Pending == nil {
		return
	}
	if desc, ok := s.catalog.Lookup(sess.Pending.ToolName); ok {
		scores[desc.Domain] += s.threshold
	}
}
