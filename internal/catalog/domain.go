package catalog

import "OpenCRM-Dialog/internal/session"

// 工具域。
const (
	DomainCore     = "core"
	DomainContact  = "contact"
	DomainProperty = "property"
	DomainDeal     = "deal"
	DomainCalendar = "calendar"
	DomainTask     = "task"
	DomainEmail    = "email"
)

// BusinessDomains 是动作意图时需要全部开放的业务域。
var BusinessDomains = []string{DomainContact, DomainProperty, DomainDeal, DomainCalendar, DomainTask, DomainEmail}

// DomainInfo 描述域与实体类型及其标识字段的对应关系。
type DomainInfo struct {
	Kind      session.EntityKind
	IDField   string
	NameField string
}

var domains = map[string]DomainInfo{
	DomainContact:  {Kind: session.KindContact, IDField: "contactId", NameField: "contactName"},
	DomainProperty: {Kind: session.KindProperty, IDField: "propertyId", NameField: "propertyAddress"},
	DomainDeal:     {Kind: session.KindDeal, IDField: "dealId", NameField: "dealName"},
	DomainTask:     {Kind: session.KindTask, IDField: "taskId"},
	DomainCalendar: {Kind: session.KindEvent, IDField: "eventId"},
}

// InfoFor 返回域对应的实体信息。
func InfoFor(domain string) (DomainInfo, bool) {
	info, ok := domains[domain]
	return info, ok
}

// InfoForKind 返回实体类型对应的实体信息。
func InfoForKind(kind session.EntityKind) (DomainInfo, bool) {
	for _, info := range domains {
		if info.Kind == kind {
			return info, true
		}
	}
	return DomainInfo{}, false
}

// DomainForKind 返回实体类型所属的域。
func DomainForKind(kind session.EntityKind) string {
	for domain, info := range domains {
		if info.Kind == kind {
			return domain
		}
	}
	return ""
}
