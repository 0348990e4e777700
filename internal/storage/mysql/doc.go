// Package mysql 提供 MySQL 连接管理与内嵌 SQL 迁移，供运行记录存储复用。
package mysql
