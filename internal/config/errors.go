package config

import "fmt"

// FieldError 指出出错的配置字段；Err 保留底层原因（例如拓扑错误），可被 errors.Is 识别。
type FieldError struct {
	Field  string
	Reason string
	Err    error
}

func (e FieldError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e FieldError) Unwrap() error {
	return e.Err
}

func newFieldError(field, reason string) error {
	return FieldError{Field: field, Reason: reason}
}

func wrapFieldError(field string, err error) error {
	return FieldError{Field: field, Reason: err.Error(), Err: err}
}

// tierField 输出 Tier[name].Field；名称为空时用声明序号定位，如 Tier[#2].Port。
func tierField(index int, name, field string) string {
	if name == "" {
		return fmt.Sprintf("Tier[#%d].%s", index+1, field)
	}
	return fmt.Sprintf("Tier[%s].%s", name, field)
}
