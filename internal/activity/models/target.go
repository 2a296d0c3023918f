package models

// TargetTypes is the allow-list of business entity kinds accepted at
// ingestion.
var TargetTypes = map[string]struct{}{
	"User": {}, "Role": {}, "Session": {}, "Setting": {}, "System": {},
	"Product": {}, "Category": {}, "Cart": {}, "Order": {}, "OrderItem": {},
	"Customer": {}, "Lead": {}, "Testimonial": {}, "Quote": {}, "Invoice": {},
	"Employee": {}, "Attendance": {}, "Leave": {}, "Shift": {},
	"Payroll": {}, "Salary": {}, "Payment": {}, "BankAccount": {}, "FinancialRecord": {},
	"Design": {}, "ProductionJob": {}, "Task": {}, "Project": {}, "Comment": {},
	"File": {}, "Document": {}, "Screenshot": {},
	"Report": {}, "ScheduledReport": {}, "ExportJob": {}, "IngestionKey": {},
	"ActivityEvent": {},
}

// IsAllowedTargetType reports whether t is an accepted entity kind.
func IsAllowedTargetType(t string) bool {
	_, ok := TargetTypes[t]
	return ok
}
