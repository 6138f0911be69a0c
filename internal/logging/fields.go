package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// UnitFields 描述一个受监管的进程单元（tier 或 proxy）及其监听地址。
func UnitFields(unit, addr, upstream string) logrus.Fields {
	fields := logrus.Fields{
		"unit": unit,
		"addr": addr,
	}
	if upstream != "" {
		fields["upstream"] = upstream
	}
	return fields
}

// RequestFields 提供 unit/key/命中状态字段，供 tier 与 proxy 请求日志复用。
func RequestFields(unit, key, requestID string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"unit":       unit,
		"key":        key,
		"request_id": requestID,
		"cache_hit":  cacheHit,
	}
}
